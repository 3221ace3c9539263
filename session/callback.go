package session

import (
	"github.com/shaban/macroute/dsp"
	"github.com/shaban/macroute/hal"
)

// ioProc is the session's real-time callback. It runs on the audio
// subsystem's callback thread: no allocation, no locks, no blocking. All
// shared state it touches is single-writer aligned atomics or scratch memory
// it owns exclusively.
//
// Per-buffer order: force-silence check → convert to canonical → peak
// measurement (unconditional, level meters run while muted) → mute check →
// volume ramp → crossfade multiplier → device-volume compensation → EQ
// (bypassed during a crossfade) → soft limiter → convert back and write.
func (s *Session) ioProc(in, out *hal.IOBuffer) {
	d := &s.diag
	d.Callbacks.Add(1)

	if s.silence.Load() {
		zeroBuffer(out)
		d.ForcedSilence.Add(1)
		return
	}

	frames := in.Frames
	if frames <= 0 {
		zeroBuffer(out)
		d.EmptyInput.Add(1)
		return
	}

	// Unsupported channel layouts relay unprocessed rather than risk
	// corrupting them.
	if s.passthrough {
		copyRaw(in, out)
		d.WroteOutput.Add(1)
		return
	}

	if frames*2 > len(s.scratch) {
		frames = len(s.scratch) / 2
	}
	buf := s.scratch[:frames*2]

	if s.converter != nil {
		if _, err := s.converter.ToCanonical(in, buf); err != nil {
			d.ConvertFail.Add(1)
			copyRaw(in, out)
			d.WroteOutput.Add(1)
			return
		}
		d.ConvertOK.Add(1)
	} else {
		if in.Format.IsCanonicalLayout() && len(in.Float32) > 0 {
			copy(buf, in.Float32[0][:frames*2])
		} else {
			d.ConvertFail.Add(1)
			copyRaw(in, out)
			d.WroteOutput.Add(1)
			return
		}
	}

	peak := dsp.Peak(buf)
	d.setInputPeak(peak)
	if peak > captureEpsilon {
		d.LiveInput.Add(1)
	}

	if s.muted.Load() {
		zeroBuffer(out)
		d.MutedSilence.Add(1)
		return
	}

	s.volume.Apply(buf, 2)

	fadeActive := false
	if f := s.fade.Load(); f != nil && f.Active() {
		fadeActive = true
		switch FadeRole(s.fadeRole.Load()) {
		case FadeIncoming:
			// The incoming callback drives the shared sample counters.
			f.NoteSamples(frames)
			dsp.ApplyGain(buf, f.IncomingGain())
		case FadeOutgoing:
			dsp.ApplyGain(buf, f.OutgoingGain())
		}
	}

	s.comp.Apply(buf, 2)

	// Two overlapping callbacks must never share biquad state; the EQ sits
	// out the crossfade instead.
	if !fadeActive {
		if eq := s.eq.Load(); eq != nil {
			eq.Process(buf)
		}
	}

	s.limiter.Process(buf)

	if r := s.rec.Load(); r != nil {
		r.push(buf)
	}

	d.setOutputPeak(dsp.Peak(buf))
	s.writeOut(buf, frames, out)
	d.WroteOutput.Add(1)
}

// writeOut moves the processed canonical buffer into the device-format
// output. The backend hands the mix device symmetric in/out formats, so the
// activation-time converter covers both directions.
func (s *Session) writeOut(buf []float32, frames int, out *hal.IOBuffer) {
	if s.converter != nil {
		if err := s.converter.FromCanonical(buf, frames, out); err != nil {
			s.diag.ConvertFail.Add(1)
			zeroBuffer(out)
		}
		return
	}
	if len(out.Float32) > 0 {
		n := frames * 2
		if n > len(out.Float32[0]) {
			n = len(out.Float32[0])
		}
		copy(out.Float32[0][:n], buf[:n])
	}
}

// zeroBuffer silences every plane of a device-format buffer.
func zeroBuffer(b *hal.IOBuffer) {
	for _, p := range b.Float32 {
		for i := range p {
			p[i] = 0
		}
	}
	for _, p := range b.Int16 {
		for i := range p {
			p[i] = 0
		}
	}
	for _, p := range b.Int32 {
		for i := range p {
			p[i] = 0
		}
	}
}

// copyRaw relays input planes to output planes without processing. Plane
// counts and lengths are matched defensively; anything that does not line up
// stays silent rather than reading out of bounds.
func copyRaw(in, out *hal.IOBuffer) {
	for i := range out.Float32 {
		if i < len(in.Float32) {
			copy(out.Float32[i], in.Float32[i])
		}
	}
	for i := range out.Int16 {
		if i < len(in.Int16) {
			copy(out.Int16[i], in.Int16[i])
		}
	}
	for i := range out.Int32 {
		if i < len(in.Int32) {
			copy(out.Int32[i], in.Int32[i])
		}
	}
}
