// Package crossfade implements the lock-free state machine coordinating two
// overlapping sessions during a device switch. The incoming session's IO
// callback advances the sample counters; the outgoing callback only reads
// multipliers. All fields are aligned atomics with a single writer each, so
// neither callback ever blocks.
package crossfade

import (
	"math"
	"sync/atomic"
)

// Phase is the state machine's phase tag.
type Phase int32

const (
	// Idle: no switch in progress; multipliers are unity/zero.
	Idle Phase = iota
	// WarmingUp: the incoming session runs silently until it demonstrably
	// produces samples. Progress does not advance in this phase.
	WarmingUp
	// Crossfading: equal-power fade driven by the incoming callback's sample
	// count.
	Crossfading
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case WarmingUp:
		return "warmingUp"
	case Crossfading:
		return "crossfading"
	default:
		return "unknown"
	}
}

// State is the shared crossfade state. The coordination goroutine drives
// phase transitions; the incoming session's callback calls NoteSamples; both
// callbacks read the multipliers.
type State struct {
	phase atomic.Int32
	// progress in [0,1], stored as float64 bits. Written only by NoteSamples
	// while crossfading; reset by phase transitions.
	progressBits atomic.Uint64
	// samples seen by the incoming callback since BeginWarmup. Advances in
	// both WarmingUp and Crossfading.
	samplesSinceWarmup atomic.Uint64
	// samples at which the fade completes, counted from BeginCrossfading.
	totalFadeSamples atomic.Uint64
	// samples counted since BeginCrossfading.
	fadeSamples atomic.Uint64
	// minimum warmup samples before the fade may begin.
	minWarmupSamples atomic.Uint64
}

// New returns a State in the Idle phase.
func New() *State { return &State{} }

// Phase returns the current phase.
func (s *State) Phase() Phase { return Phase(s.phase.Load()) }

// Progress returns fade progress in [0,1]. Zero outside Crossfading.
func (s *State) Progress() float64 {
	return math.Float64frombits(s.progressBits.Load())
}

// SamplesSinceWarmup returns the samples the incoming callback has produced
// since warmup began.
func (s *State) SamplesSinceWarmup() uint64 { return s.samplesSinceWarmup.Load() }

// BeginWarmup resets all counters and enters WarmingUp. fadeSamples is the
// sample count for the full fade once it starts; minWarmup is the sample
// count that confirms the incoming session is really producing.
func (s *State) BeginWarmup(fadeSamples, minWarmup uint64) {
	if fadeSamples == 0 {
		fadeSamples = 1
	}
	s.progressBits.Store(0)
	s.samplesSinceWarmup.Store(0)
	s.fadeSamples.Store(0)
	s.totalFadeSamples.Store(fadeSamples)
	s.minWarmupSamples.Store(minWarmup)
	s.phase.Store(int32(WarmingUp))
}

// WarmupConfirmed reports whether the incoming session has produced at least
// the minimum warmup samples. Polled by the coordination goroutine with a
// bounded timeout.
func (s *State) WarmupConfirmed() bool {
	return s.samplesSinceWarmup.Load() >= s.minWarmupSamples.Load()
}

// BeginCrossfading resets progress and enters Crossfading. Only valid from
// WarmingUp; calls in other phases are ignored so a late transition cannot
// restart a finished fade.
func (s *State) BeginCrossfading() {
	if !s.phase.CompareAndSwap(int32(WarmingUp), int32(Crossfading)) {
		return
	}
	s.fadeSamples.Store(0)
	s.progressBits.Store(0)
}

// NoteSamples records n samples produced by the incoming callback. During
// warmup only the warmup counter advances; during the fade, progress advances
// monotonically toward 1.
func (s *State) NoteSamples(n int) {
	if n <= 0 {
		return
	}
	switch Phase(s.phase.Load()) {
	case WarmingUp:
		s.samplesSinceWarmup.Add(uint64(n))
	case Crossfading:
		s.samplesSinceWarmup.Add(uint64(n))
		done := s.fadeSamples.Add(uint64(n))
		total := s.totalFadeSamples.Load()
		p := float64(done) / float64(total)
		if p > 1 {
			p = 1
		}
		s.progressBits.Store(math.Float64bits(p))
	}
}

// Done reports whether the fade has completed.
func (s *State) Done() bool {
	return Phase(s.phase.Load()) == Crossfading && s.Progress() >= 1
}

// OutgoingGain returns the outgoing session's multiplier: unity during
// warmup, cos(p·π/2) during the fade, unity when idle.
func (s *State) OutgoingGain() float32 {
	switch Phase(s.phase.Load()) {
	case WarmingUp:
		return 1
	case Crossfading:
		return float32(math.Cos(s.Progress() * math.Pi / 2))
	default:
		return 1
	}
}

// IncomingGain returns the incoming session's multiplier: zero during
// warmup, sin(p·π/2) during the fade. With OutgoingGain this keeps
// out²+in² ≡ 1 (equal power) throughout the fade.
func (s *State) IncomingGain() float32 {
	switch Phase(s.phase.Load()) {
	case WarmingUp:
		return 0
	case Crossfading:
		return float32(math.Sin(s.Progress() * math.Pi / 2))
	default:
		return 0
	}
}

// Active reports whether a switch is in flight (warmup or fade).
func (s *State) Active() bool { return Phase(s.phase.Load()) != Idle }

// Reset returns to Idle, clearing progress. Called on completion or abort.
func (s *State) Reset() {
	s.phase.Store(int32(Idle))
	s.progressBits.Store(0)
	s.samplesSinceWarmup.Store(0)
	s.fadeSamples.Store(0)
}
