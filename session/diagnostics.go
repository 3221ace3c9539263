package session

import (
	"math"
	"sync/atomic"
)

// Diagnostics is the session's fixed set of real-time-safe counters. The IO
// callback is the only writer while the session is live; the orchestrator
// reads snapshots to infer health. During a crossfade each of the two
// overlapping sessions writes only its own set; the sets are merged by the
// coordination goroutine after the retired callback has stopped, never by
// concurrent increments on shared counters.
type Diagnostics struct {
	// Callbacks counts IO callback invocations.
	Callbacks atomic.Uint64
	// LiveInput counts callbacks that observed non-silent captured input.
	LiveInput atomic.Uint64
	// WroteOutput counts callbacks that delivered audio to the output.
	WroteOutput atomic.Uint64
	// ForcedSilence counts callbacks spent force-silenced during a switch.
	ForcedSilence atomic.Uint64
	// MutedSilence counts callbacks zeroed by the user mute.
	MutedSilence atomic.Uint64
	// EmptyInput counts callbacks that received no frames.
	EmptyInput atomic.Uint64
	// ConvertOK and ConvertFail count format conversions.
	ConvertOK   atomic.Uint64
	ConvertFail atomic.Uint64

	inPeakBits  atomic.Uint32
	outPeakBits atomic.Uint32
}

func (d *Diagnostics) setInputPeak(p float32)  { d.inPeakBits.Store(math.Float32bits(p)) }
func (d *Diagnostics) setOutputPeak(p float32) { d.outPeakBits.Store(math.Float32bits(p)) }

// InputPeak returns the last measured input peak. Updated even while muted so
// level meters keep working.
func (d *Diagnostics) InputPeak() float32 {
	return math.Float32frombits(d.inPeakBits.Load())
}

// OutputPeak returns the last measured processed output peak.
func (d *Diagnostics) OutputPeak() float32 {
	return math.Float32frombits(d.outPeakBits.Load())
}

// Snapshot is a point-in-time copy of the counters, safe to pass around.
type Snapshot struct {
	Callbacks     uint64
	LiveInput     uint64
	WroteOutput   uint64
	ForcedSilence uint64
	MutedSilence  uint64
	EmptyInput    uint64
	ConvertOK     uint64
	ConvertFail   uint64

	LastInputPeak  float32
	LastOutputPeak float32
}

// Snapshot reads all counters. Individual loads are atomic; the set as a
// whole may straddle a callback, which health classification tolerates.
func (d *Diagnostics) Snapshot() Snapshot {
	return Snapshot{
		Callbacks:      d.Callbacks.Load(),
		LiveInput:      d.LiveInput.Load(),
		WroteOutput:    d.WroteOutput.Load(),
		ForcedSilence:  d.ForcedSilence.Load(),
		MutedSilence:   d.MutedSilence.Load(),
		EmptyInput:     d.EmptyInput.Load(),
		ConvertOK:      d.ConvertOK.Load(),
		ConvertFail:    d.ConvertFail.Load(),
		LastInputPeak:  d.InputPeak(),
		LastOutputPeak: d.OutputPeak(),
	}
}

// Absorb merges a retired session's final snapshot into this one, preserving
// lifetime totals across a promotion. Called from the coordination goroutine
// once the retired callback has demonstrably stopped.
func (d *Diagnostics) Absorb(s Snapshot) {
	d.Callbacks.Add(s.Callbacks)
	d.LiveInput.Add(s.LiveInput)
	d.WroteOutput.Add(s.WroteOutput)
	d.ForcedSilence.Add(s.ForcedSilence)
	d.MutedSilence.Add(s.MutedSilence)
	d.EmptyInput.Add(s.EmptyInput)
	d.ConvertOK.Add(s.ConvertOK)
	d.ConvertFail.Add(s.ConvertFail)
}
