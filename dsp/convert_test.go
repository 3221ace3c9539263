package dsp

import (
	"math"
	"testing"

	"github.com/shaban/macroute/hal"
)

func TestNewConverterRejectsUnsupportedLayouts(t *testing.T) {
	if _, err := NewConverter(hal.Format{Channels: 6, Encoding: hal.EncFloat32}); err == nil {
		t.Error("6-channel layout accepted")
	}
	if _, err := NewConverter(hal.Format{Channels: 2, Encoding: hal.Encoding(99)}); err == nil {
		t.Error("unknown encoding accepted")
	}
	if _, err := NewConverter(hal.Format{Channels: 2, Encoding: hal.EncInt16}); err != nil {
		t.Errorf("stereo int16 rejected: %v", err)
	}
}

func TestInt16RoundTripWithinQuantization(t *testing.T) {
	f := hal.Format{SampleRate: 48000, Channels: 2, Interleaved: true, Encoding: hal.EncInt16}
	c, err := NewConverter(f)
	if err != nil {
		t.Fatal(err)
	}

	frames := 64
	in := &hal.IOBuffer{Format: f, Frames: frames, Int16: [][]int16{make([]int16, frames*2)}}
	for i := range in.Int16[0] {
		in.Int16[0][i] = int16((i*523)%32000 - 16000)
	}

	canon := make([]float32, frames*2)
	if _, err := c.ToCanonical(in, canon); err != nil {
		t.Fatal(err)
	}
	out := &hal.IOBuffer{Format: f, Frames: frames, Int16: [][]int16{make([]int16, frames*2)}}
	if err := c.FromCanonical(canon, frames, out); err != nil {
		t.Fatal(err)
	}

	// One LSB of tolerance: read scales by 32768, write by 32767.
	for i := range in.Int16[0] {
		diff := int(in.Int16[0][i]) - int(out.Int16[0][i])
		if diff < -1 || diff > 1 {
			t.Fatalf("sample %d: %d -> %d", i, in.Int16[0][i], out.Int16[0][i])
		}
	}
}

func TestMonoDuplicatesToBothChannels(t *testing.T) {
	f := hal.Format{SampleRate: 48000, Channels: 1, Interleaved: true, Encoding: hal.EncFloat32}
	c, err := NewConverter(f)
	if err != nil {
		t.Fatal(err)
	}

	frames := 4
	in := &hal.IOBuffer{Format: f, Frames: frames, Float32: [][]float32{{0.1, 0.2, 0.3, 0.4}}}
	canon := make([]float32, frames*2)
	if _, err := c.ToCanonical(in, canon); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < frames; i++ {
		if canon[2*i] != in.Float32[0][i] || canon[2*i+1] != in.Float32[0][i] {
			t.Errorf("frame %d: got L=%v R=%v, want both %v", i, canon[2*i], canon[2*i+1], in.Float32[0][i])
		}
	}
}

func TestMonoWriteAveragesChannels(t *testing.T) {
	f := hal.Format{SampleRate: 48000, Channels: 1, Interleaved: true, Encoding: hal.EncFloat32}
	c, err := NewConverter(f)
	if err != nil {
		t.Fatal(err)
	}

	canon := []float32{0.2, 0.4, -1, 1}
	out := &hal.IOBuffer{Format: f, Frames: 2, Float32: [][]float32{make([]float32, 2)}}
	if err := c.FromCanonical(canon, 2, out); err != nil {
		t.Fatal(err)
	}
	if got := out.Float32[0][0]; math.Abs(float64(got-0.3)) > 1e-6 {
		t.Errorf("frame 0 = %v, want 0.3", got)
	}
	if got := out.Float32[0][1]; got != 0 {
		t.Errorf("frame 1 = %v, want 0", got)
	}
}

func TestPlanarFloatToCanonical(t *testing.T) {
	f := hal.Format{SampleRate: 48000, Channels: 2, Interleaved: false, Encoding: hal.EncFloat32}
	c, err := NewConverter(f)
	if err != nil {
		t.Fatal(err)
	}

	in := &hal.IOBuffer{
		Format:  f,
		Frames:  3,
		Float32: [][]float32{{1, 2, 3}, {4, 5, 6}},
	}
	canon := make([]float32, 6)
	if _, err := c.ToCanonical(in, canon); err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	for i := range want {
		if canon[i] != want[i] {
			t.Errorf("canon[%d] = %v, want %v", i, canon[i], want[i])
		}
	}
}

func TestIntWriteClampsOutOfRange(t *testing.T) {
	f := hal.Format{SampleRate: 48000, Channels: 2, Interleaved: true, Encoding: hal.EncInt16}
	c, err := NewConverter(f)
	if err != nil {
		t.Fatal(err)
	}

	canon := []float32{2.0, -2.0}
	out := &hal.IOBuffer{Format: f, Frames: 1, Int16: [][]int16{make([]int16, 2)}}
	if err := c.FromCanonical(canon, 1, out); err != nil {
		t.Fatal(err)
	}
	if out.Int16[0][0] != 32767 {
		t.Errorf("positive clamp = %d, want 32767", out.Int16[0][0])
	}
	if out.Int16[0][1] != -32767 {
		t.Errorf("negative clamp = %d, want -32767", out.Int16[0][1])
	}
}

func TestToCanonicalRejectsMismatchedBuffer(t *testing.T) {
	c, err := NewConverter(hal.Format{Channels: 2, Interleaved: true, Encoding: hal.EncInt16})
	if err != nil {
		t.Fatal(err)
	}
	in := &hal.IOBuffer{
		Format:  hal.Format{Channels: 2, Interleaved: true, Encoding: hal.EncFloat32},
		Frames:  4,
		Float32: [][]float32{make([]float32, 8)},
	}
	if _, err := c.ToCanonical(in, make([]float32, 8)); err == nil {
		t.Error("mismatched buffer format accepted")
	}
}
