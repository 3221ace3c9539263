package dsp

import "math"

// Limiter is a memoryless soft-knee limiter. Samples at or below the
// threshold pass through bit-for-bit; above it, the excess is squashed with a
// tanh curve that approaches but never reaches the ceiling. Boosted or
// heavily equalized signals therefore stay under the ceiling without hard
// clipping artifacts.
type Limiter struct {
	threshold float32
	ceiling   float32
	// range of the knee, cached
	span float32
}

// DefaultLimiter returns a limiter with ~-1 dBFS threshold and ~-0.1 dBFS
// ceiling.
func DefaultLimiter() *Limiter {
	return NewLimiter(0.891, 0.989)
}

// NewLimiter creates a limiter. ceiling must exceed threshold; invalid values
// fall back to the defaults.
func NewLimiter(threshold, ceiling float32) *Limiter {
	if threshold <= 0 || ceiling <= threshold {
		threshold, ceiling = 0.891, 0.989
	}
	return &Limiter{threshold: threshold, ceiling: ceiling, span: ceiling - threshold}
}

// Threshold returns the level below which samples are untouched.
func (l *Limiter) Threshold() float32 { return l.threshold }

// Ceiling returns the asymptotic output bound.
func (l *Limiter) Ceiling() float32 { return l.ceiling }

// Process limits buf in place.
func (l *Limiter) Process(buf []float32) {
	t, span := l.threshold, l.span
	for i, s := range buf {
		neg := s < 0
		if neg {
			s = -s
		}
		if s <= t {
			continue
		}
		s = t + span*float32(math.Tanh(float64((s-t)/span)))
		if neg {
			s = -s
		}
		buf[i] = s
	}
}
