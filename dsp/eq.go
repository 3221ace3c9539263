package dsp

import "math"

// NumBands is the number of equalizer bands.
const NumBands = 10

// MaxBandGainDB bounds each band's gain to ±12 dB.
const MaxBandGainDB = 12.0

// BandFrequencies are the ten octave-spaced band centers in Hz.
var BandFrequencies = [NumBands]float64{
	31.25, 62.5, 125, 250, 500, 1000, 2000, 4000, 8000, 16000,
}

const eqBandQ = 1.41 // ~one octave bandwidth

// ClampBandGains returns gains with every band limited to ±MaxBandGainDB.
func ClampBandGains(gains [NumBands]float64) [NumBands]float64 {
	for i, g := range gains {
		if g > MaxBandGainDB {
			gains[i] = MaxBandGainDB
		} else if g < -MaxBandGainDB {
			gains[i] = -MaxBandGainDB
		}
	}
	return gains
}

// GainsActive reports whether any band is non-zero; the enabled flag of an EQ
// setting is derived from this.
func GainsActive(gains [NumBands]float64) bool {
	for _, g := range gains {
		if g != 0 {
			return true
		}
	}
	return false
}

// biquad holds one peaking filter's coefficients and per-channel state in
// transposed direct form II.
type biquad struct {
	b0, b1, b2, a1, a2 float32
	z1, z2             [2]float32 // stereo state
}

func (f *biquad) processSample(x float32, ch int) float32 {
	y := f.b0*x + f.z1[ch]
	f.z1[ch] = f.b1*x - f.a1*y + f.z2[ch]
	f.z2[ch] = f.b2*x - f.a2*y
	return y
}

func (f *biquad) reset() {
	f.z1 = [2]float32{}
	f.z2 = [2]float32{}
}

// Equalizer is a 10-band peaking EQ over interleaved stereo float32. The
// coefficient cache is recomputed by Configure whenever gains or sample rate
// change; Process runs on the IO callback and touches only cached state.
//
// Filter state is not safe for two concurrent callbacks; during a crossfade
// the session bypasses the EQ rather than share this state.
type Equalizer struct {
	bands      [NumBands]biquad
	active     [NumBands]bool
	gains      [NumBands]float64
	sampleRate float64
	enabled    bool
}

// NewEqualizer returns a flat EQ at the given sample rate.
func NewEqualizer(sampleRate float64) *Equalizer {
	eq := &Equalizer{}
	eq.Configure([NumBands]float64{}, sampleRate)
	return eq
}

// Configure recomputes the coefficient cache for the given band gains (dB)
// and sample rate. Gains are clamped to ±MaxBandGainDB. Bands at 0 dB are
// skipped entirely during processing. Must not be called concurrently with
// Process.
func (eq *Equalizer) Configure(gains [NumBands]float64, sampleRate float64) {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	gains = ClampBandGains(gains)
	eq.gains = gains
	eq.sampleRate = sampleRate
	eq.enabled = GainsActive(gains)

	nyquist := sampleRate / 2
	for i := range eq.bands {
		f0 := BandFrequencies[i]
		if gains[i] == 0 || f0 >= nyquist {
			eq.active[i] = false
			eq.bands[i].reset()
			continue
		}
		eq.active[i] = true
		eq.bands[i].setPeaking(f0, gains[i], eqBandQ, sampleRate)
		eq.bands[i].reset()
	}
}

// setPeaking computes RBJ peaking-EQ coefficients, normalized by a0.
func (f *biquad) setPeaking(f0, gainDB, q, sampleRate float64) {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * f0 / sampleRate
	sinW, cosW := math.Sin(w0), math.Cos(w0)
	alpha := sinW / (2 * q)

	b0 := 1 + alpha*a
	b1 := -2 * cosW
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosW
	a2 := 1 - alpha/a

	f.b0 = float32(b0 / a0)
	f.b1 = float32(b1 / a0)
	f.b2 = float32(b2 / a0)
	f.a1 = float32(a1 / a0)
	f.a2 = float32(a2 / a0)
}

// Enabled reports whether any band is non-flat.
func (eq *Equalizer) Enabled() bool { return eq.enabled }

// Gains returns the configured (clamped) band gains in dB.
func (eq *Equalizer) Gains() [NumBands]float64 { return eq.gains }

// SampleRate returns the rate the coefficient cache was built for.
func (eq *Equalizer) SampleRate() float64 { return eq.sampleRate }

// Reset clears all filter state without touching coefficients.
func (eq *Equalizer) Reset() {
	for i := range eq.bands {
		eq.bands[i].reset()
	}
}

// Process filters buf in place. buf must be interleaved stereo; callers are
// responsible for bypassing the EQ on other layouts.
func (eq *Equalizer) Process(buf []float32) {
	if !eq.enabled {
		return
	}
	for b := range eq.bands {
		if !eq.active[b] {
			continue
		}
		f := &eq.bands[b]
		for i := 0; i+1 < len(buf); i += 2 {
			buf[i] = f.processSample(buf[i], 0)
			buf[i+1] = f.processSample(buf[i+1], 1)
		}
	}
}
