package dsp

import (
	"fmt"

	"github.com/shaban/macroute/hal"
)

// Converter moves audio between a device format and the canonical processing
// format (interleaved stereo float32). Supported device layouts are mono or
// stereo in float32, int16 or int32, interleaved or planar. Construction
// validates the layout once; the per-buffer calls are allocation-free.
type Converter struct {
	src hal.Format
}

// NewConverter validates src and returns a converter for it. Unsupported
// channel layouts return an error; the session then passes audio through
// unprocessed instead of risking corruption.
func NewConverter(src hal.Format) (*Converter, error) {
	if src.Channels != 1 && src.Channels != 2 {
		return nil, fmt.Errorf("dsp: unsupported channel count %d", src.Channels)
	}
	switch src.Encoding {
	case hal.EncFloat32, hal.EncInt16, hal.EncInt32:
	default:
		return nil, fmt.Errorf("dsp: unsupported encoding %v", src.Encoding)
	}
	return &Converter{src: src}, nil
}

// SourceFormat returns the device format this converter was built for.
func (c *Converter) SourceFormat() hal.Format { return c.src }

const (
	int16Scale  = 1.0 / 32768.0
	int32Scale  = 1.0 / 2147483648.0
	int16Ceil   = 32767.0
	int32Ceil   = 2147483647.0
)

func clampUnit(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// ToCanonical converts in to interleaved stereo float32 in dst, which must
// hold at least 2*in.Frames samples. Mono sources are duplicated to both
// channels. Returns the frame count, or an error when the buffer does not
// match the configured format.
func (c *Converter) ToCanonical(in *hal.IOBuffer, dst []float32) (int, error) {
	frames := in.Frames
	if len(dst) < frames*2 {
		return 0, fmt.Errorf("dsp: canonical buffer too small: %d < %d", len(dst), frames*2)
	}
	if in.Format.Encoding != c.src.Encoding || in.Format.Channels != c.src.Channels ||
		in.Format.Interleaved != c.src.Interleaved {
		return 0, fmt.Errorf("dsp: buffer format %+v does not match converter %+v", in.Format, c.src)
	}

	switch {
	case c.src.Encoding == hal.EncFloat32 && c.src.Interleaved:
		plane := in.Float32[0]
		if c.src.Channels == 2 {
			copy(dst[:frames*2], plane[:frames*2])
		} else {
			for i := 0; i < frames; i++ {
				dst[2*i] = plane[i]
				dst[2*i+1] = plane[i]
			}
		}
	case c.src.Encoding == hal.EncFloat32: // planar
		l := in.Float32[0]
		r := l
		if c.src.Channels == 2 {
			r = in.Float32[1]
		}
		for i := 0; i < frames; i++ {
			dst[2*i] = l[i]
			dst[2*i+1] = r[i]
		}
	case c.src.Encoding == hal.EncInt16 && c.src.Interleaved:
		plane := in.Int16[0]
		if c.src.Channels == 2 {
			for i := 0; i < frames*2; i++ {
				dst[i] = float32(plane[i]) * int16Scale
			}
		} else {
			for i := 0; i < frames; i++ {
				s := float32(plane[i]) * int16Scale
				dst[2*i] = s
				dst[2*i+1] = s
			}
		}
	case c.src.Encoding == hal.EncInt16: // planar
		l := in.Int16[0]
		r := l
		if c.src.Channels == 2 {
			r = in.Int16[1]
		}
		for i := 0; i < frames; i++ {
			dst[2*i] = float32(l[i]) * int16Scale
			dst[2*i+1] = float32(r[i]) * int16Scale
		}
	case c.src.Encoding == hal.EncInt32 && c.src.Interleaved:
		plane := in.Int32[0]
		if c.src.Channels == 2 {
			for i := 0; i < frames*2; i++ {
				dst[i] = float32(float64(plane[i]) * int32Scale)
			}
		} else {
			for i := 0; i < frames; i++ {
				s := float32(float64(plane[i]) * int32Scale)
				dst[2*i] = s
				dst[2*i+1] = s
			}
		}
	default: // int32 planar
		l := in.Int32[0]
		r := l
		if c.src.Channels == 2 {
			r = in.Int32[1]
		}
		for i := 0; i < frames; i++ {
			dst[2*i] = float32(float64(l[i]) * int32Scale)
			dst[2*i+1] = float32(float64(r[i]) * int32Scale)
		}
	}
	return frames, nil
}

// FromCanonical converts frames of interleaved stereo float32 from src back
// into the device format in out. Mono destinations receive the average of
// both channels. Integer destinations clamp to [-1,1] and scale by the
// positive maximum so +1.0 cannot overflow.
func (c *Converter) FromCanonical(src []float32, frames int, out *hal.IOBuffer) error {
	if len(src) < frames*2 {
		return fmt.Errorf("dsp: canonical buffer too small: %d < %d", len(src), frames*2)
	}
	if out.Format.Encoding != c.src.Encoding || out.Format.Channels != c.src.Channels ||
		out.Format.Interleaved != c.src.Interleaved {
		return fmt.Errorf("dsp: buffer format %+v does not match converter %+v", out.Format, c.src)
	}

	switch {
	case c.src.Encoding == hal.EncFloat32 && c.src.Interleaved:
		plane := out.Float32[0]
		if c.src.Channels == 2 {
			copy(plane[:frames*2], src[:frames*2])
		} else {
			for i := 0; i < frames; i++ {
				plane[i] = (src[2*i] + src[2*i+1]) * 0.5
			}
		}
	case c.src.Encoding == hal.EncFloat32:
		l := out.Float32[0]
		if c.src.Channels == 2 {
			r := out.Float32[1]
			for i := 0; i < frames; i++ {
				l[i] = src[2*i]
				r[i] = src[2*i+1]
			}
		} else {
			for i := 0; i < frames; i++ {
				l[i] = (src[2*i] + src[2*i+1]) * 0.5
			}
		}
	case c.src.Encoding == hal.EncInt16 && c.src.Interleaved:
		plane := out.Int16[0]
		if c.src.Channels == 2 {
			for i := 0; i < frames*2; i++ {
				plane[i] = int16(clampUnit(src[i]) * int16Ceil)
			}
		} else {
			for i := 0; i < frames; i++ {
				plane[i] = int16(clampUnit((src[2*i]+src[2*i+1])*0.5) * int16Ceil)
			}
		}
	case c.src.Encoding == hal.EncInt16:
		l := out.Int16[0]
		if c.src.Channels == 2 {
			r := out.Int16[1]
			for i := 0; i < frames; i++ {
				l[i] = int16(clampUnit(src[2*i]) * int16Ceil)
				r[i] = int16(clampUnit(src[2*i+1]) * int16Ceil)
			}
		} else {
			for i := 0; i < frames; i++ {
				l[i] = int16(clampUnit((src[2*i]+src[2*i+1])*0.5) * int16Ceil)
			}
		}
	case c.src.Encoding == hal.EncInt32 && c.src.Interleaved:
		plane := out.Int32[0]
		if c.src.Channels == 2 {
			for i := 0; i < frames*2; i++ {
				plane[i] = int32(float64(clampUnit(src[i])) * int32Ceil)
			}
		} else {
			for i := 0; i < frames; i++ {
				plane[i] = int32(float64(clampUnit((src[2*i]+src[2*i+1])*0.5)) * int32Ceil)
			}
		}
	default: // int32 planar
		l := out.Int32[0]
		if c.src.Channels == 2 {
			r := out.Int32[1]
			for i := 0; i < frames; i++ {
				l[i] = int32(float64(clampUnit(src[2*i])) * int32Ceil)
				r[i] = int32(float64(clampUnit(src[2*i+1])) * int32Ceil)
			}
		} else {
			for i := 0; i < frames; i++ {
				l[i] = int32(float64(clampUnit((src[2*i]+src[2*i+1])*0.5)) * int32Ceil)
			}
		}
	}
	return nil
}
