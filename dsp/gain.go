package dsp

// rampTimeConstantMs is the one-pole smoothing time constant for gain
// changes. Short enough to feel immediate, long enough to avoid clicks.
const rampTimeConstantMs = 15.0

// GainRamp smooths gain changes with a one-pole filter so volume moves never
// click. Current converges toward Target with a per-sample coefficient
// derived from the sample rate. The coordination goroutine writes the target;
// only the IO callback calls Apply, so no synchronization is needed beyond
// the aligned float stores.
type GainRamp struct {
	current float32
	target  float32
	coeff   float32
}

// NewGainRamp returns a ramp already settled at gain.
func NewGainRamp(gain float32, sampleRate float64) *GainRamp {
	r := &GainRamp{current: gain, target: gain}
	r.SetSampleRate(sampleRate)
	return r
}

// SetSampleRate recomputes the per-sample smoothing coefficient.
func (r *GainRamp) SetSampleRate(sampleRate float64) {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	// Per-sample step of a one-pole lowpass with ~rampTimeConstantMs to
	// cover ~99% of the distance.
	samples := sampleRate * rampTimeConstantMs / 1000.0
	r.coeff = float32(4.6 / samples)
	if r.coeff > 1 {
		r.coeff = 1
	}
}

// SetTarget sets the gain the ramp converges to.
func (r *GainRamp) SetTarget(gain float32) { r.target = gain }

// Set snaps both current and target, bypassing the ramp.
func (r *GainRamp) Set(gain float32) {
	r.current = gain
	r.target = gain
}

// Current returns the instantaneous gain.
func (r *GainRamp) Current() float32 { return r.current }

// Target returns the gain the ramp is converging to.
func (r *GainRamp) Target() float32 { return r.target }

// Settled reports whether current has converged onto target.
func (r *GainRamp) Settled() bool {
	d := r.current - r.target
	if d < 0 {
		d = -d
	}
	return d < 1e-4
}

// Apply multiplies buf by the ramped gain, advancing the ramp once per frame.
// buf is interleaved with the given channel count; every channel within a
// frame gets the same gain so the stereo image stays put. The ramp approaches
// the target exponentially and never overshoots.
func (r *GainRamp) Apply(buf []float32, channels int) {
	if channels <= 0 {
		channels = 1
	}
	cur, tgt, k := r.current, r.target, r.coeff
	for i := 0; i < len(buf); i += channels {
		cur += (tgt - cur) * k
		for c := 0; c < channels && i+c < len(buf); c++ {
			buf[i+c] *= cur
		}
	}
	// Snap when close so Settled() terminates.
	if d := cur - tgt; d < 1e-4 && d > -1e-4 {
		cur = tgt
	}
	r.current = cur
}

// ApplyGain multiplies buf by a constant gain.
func ApplyGain(buf []float32, gain float32) {
	if gain == 1 {
		return
	}
	for i := range buf {
		buf[i] *= gain
	}
}

// Silence zeroes buf.
func Silence(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
