package dsp

import (
	"math"
	"testing"
)

func TestGainRampConvergesToTarget(t *testing.T) {
	r := NewGainRamp(0, 48000)
	r.SetTarget(1)

	buf := make([]float32, 2*480) // 10ms stereo chunks
	for i := 0; i < 50; i++ {     // 500ms total, far past the time constant
		for j := range buf {
			buf[j] = 1
		}
		r.Apply(buf, 2)
	}

	if !r.Settled() {
		t.Fatalf("ramp not settled after 500ms: current=%v target=%v", r.Current(), r.Target())
	}
	if got := r.Current(); math.Abs(float64(got-1)) > 1e-3 {
		t.Errorf("ramp current = %v, want ~1.0", got)
	}
}

func TestGainRampNeverOvershoots(t *testing.T) {
	r := NewGainRamp(0, 48000)
	r.SetTarget(1)

	buf := make([]float32, 2*64)
	prev := float32(0)
	for i := 0; i < 200; i++ {
		for j := range buf {
			buf[j] = 1
		}
		r.Apply(buf, 2)
		cur := r.Current()
		if cur > 1.0001 {
			t.Fatalf("ramp overshot unity: %v at iteration %d", cur, i)
		}
		if cur < prev-1e-6 {
			t.Fatalf("ramp moved backwards: %v -> %v at iteration %d", prev, cur, i)
		}
		prev = cur
	}
}

func TestGainRampAppliesPerFrame(t *testing.T) {
	r := NewGainRamp(1, 48000)
	r.SetTarget(0)

	buf := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	r.Apply(buf, 2)

	// Both channels of a frame get the same gain; later frames get less.
	if buf[0] != buf[1] || buf[2] != buf[3] {
		t.Errorf("channels within a frame diverged: %v", buf)
	}
	if !(buf[2] < buf[0]) {
		t.Errorf("gain did not decrease across frames: %v", buf)
	}
}

func TestGainRampSetJumpsImmediately(t *testing.T) {
	r := NewGainRamp(1, 48000)
	r.Set(0.25)
	if got := r.Current(); got != 0.25 {
		t.Errorf("Set: current = %v, want 0.25", got)
	}
	if got := r.Target(); got != 0.25 {
		t.Errorf("Set: target = %v, want 0.25", got)
	}
}

func TestApplyGainAndSilence(t *testing.T) {
	buf := []float32{0.5, -0.5, 1, -1}
	ApplyGain(buf, 0.5)
	want := []float32{0.25, -0.25, 0.5, -0.5}
	for i := range buf {
		if buf[i] != want[i] {
			t.Errorf("ApplyGain[%d] = %v, want %v", i, buf[i], want[i])
		}
	}
	Silence(buf)
	for i := range buf {
		if buf[i] != 0 {
			t.Errorf("Silence[%d] = %v, want 0", i, buf[i])
		}
	}
}

func TestPeak(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want float32
	}{
		{"empty", nil, 0},
		{"positive", []float32{0.1, 0.5, 0.3}, 0.5},
		{"negative dominates", []float32{0.1, -0.9, 0.3}, 0.9},
		{"silence", []float32{0, 0, 0}, 0},
	}
	for _, tt := range tests {
		if got := Peak(tt.in); got != tt.want {
			t.Errorf("%s: Peak = %v, want %v", tt.name, got, tt.want)
		}
	}
}
