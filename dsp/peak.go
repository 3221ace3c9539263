// Package dsp provides the real-time safe processing primitives used inside
// session IO callbacks: peak metering, click-free gain ramping, a 10-band
// biquad equalizer, a soft-knee limiter, and sample-format conversion. All
// hot-path functions are allocation-free and lock-free.
package dsp

// Peak returns the largest absolute sample value in buf.
func Peak(buf []float32) float32 {
	var peak float32
	for _, s := range buf {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}
