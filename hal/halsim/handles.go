package halsim

import (
	"fmt"

	"github.com/shaban/macroute/hal"
)

// Tap is a simulated per-application capture stream.
type Tap struct {
	sys *System
	app hal.App

	format    hal.Format
	overlap   bool
	amplitude float32

	silenced  bool
	destroyed bool
}

// Format implements hal.TapHandle.
func (t *Tap) Format() (hal.Format, error) {
	t.sys.mu.Lock()
	defer t.sys.mu.Unlock()
	if t.destroyed {
		return hal.Format{}, fmt.Errorf("halsim: tap destroyed: %w", hal.ErrTapUnavailable)
	}
	return t.format, nil
}

// SupportsOverlap implements hal.TapHandle.
func (t *Tap) SupportsOverlap() bool {
	t.sys.mu.Lock()
	defer t.sys.mu.Unlock()
	return t.overlap
}

// SetOriginSilenced implements hal.TapHandle.
func (t *Tap) SetOriginSilenced(silenced bool) error {
	t.sys.mu.Lock()
	defer t.sys.mu.Unlock()
	if t.destroyed {
		return fmt.Errorf("halsim: tap destroyed: %w", hal.ErrTapUnavailable)
	}
	t.silenced = silenced
	return nil
}

// OriginSilenced reports the silencing state, for tests.
func (t *Tap) OriginSilenced() bool {
	t.sys.mu.Lock()
	defer t.sys.mu.Unlock()
	return t.silenced
}

// Destroy implements hal.TapHandle.
func (t *Tap) Destroy() error {
	t.sys.mu.Lock()
	defer t.sys.mu.Unlock()
	t.destroyed = true
	delete(t.sys.taps, t)
	return nil
}

// Mix is a simulated virtual mix device. Its IO callback runs only when a
// test (or the demo daemon) pumps it.
type Mix struct {
	sys *System

	id        hal.MixDeviceID
	name      string
	tap       *Tap
	outputUID string

	proc      hal.IOProc
	running   bool
	destroyed bool
}

// ID implements hal.MixHandle.
func (m *Mix) ID() hal.MixDeviceID { return m.id }

// Name returns the published device name.
func (m *Mix) Name() string { return m.name }

// OutputUID returns the physical output this mix feeds.
func (m *Mix) OutputUID() string { return m.outputUID }

// SetIOProc implements hal.MixHandle.
func (m *Mix) SetIOProc(proc hal.IOProc) error {
	m.sys.mu.Lock()
	defer m.sys.mu.Unlock()
	if m.destroyed {
		return fmt.Errorf("halsim: mix device destroyed")
	}
	if m.running {
		return fmt.Errorf("halsim: cannot install IO proc while running")
	}
	m.proc = proc
	return nil
}

// Start implements hal.MixHandle.
func (m *Mix) Start() error {
	m.sys.mu.Lock()
	hook := m.sys.OnStartMix
	m.sys.mu.Unlock()
	if hook != nil {
		if err := hook(m); err != nil {
			return err
		}
	}
	m.sys.mu.Lock()
	defer m.sys.mu.Unlock()
	if m.destroyed {
		return fmt.Errorf("halsim: mix device destroyed")
	}
	m.running = true
	return nil
}

// Stop implements hal.MixHandle. Pumping is manual, so by the time Stop
// returns no callback can be in flight.
func (m *Mix) Stop() error {
	m.sys.mu.Lock()
	defer m.sys.mu.Unlock()
	m.running = false
	return nil
}

// Destroy implements hal.MixHandle.
func (m *Mix) Destroy() error {
	m.sys.mu.Lock()
	defer m.sys.mu.Unlock()
	if m.running {
		return fmt.Errorf("halsim: destroying running mix device")
	}
	m.destroyed = true
	delete(m.sys.mixes, m.id)
	return nil
}

// Pump drives one IO cycle: it synthesizes an input buffer from the tap's
// scripted amplitude, invokes the installed callback and returns the output
// buffer for inspection. Returns nil when the device is not running.
func (m *Mix) Pump(frames int) *hal.IOBuffer {
	m.sys.mu.Lock()
	if !m.running || m.proc == nil || m.destroyed {
		m.sys.mu.Unlock()
		return nil
	}
	proc := m.proc
	format := hal.Canonical
	amp := float32(0)
	if m.tap != nil {
		format = m.tap.format
		amp = m.tap.amplitude
	}
	m.sys.mu.Unlock()

	in := synthesize(format, frames, amp)
	out := emptyBuffer(format, frames)
	proc(in, out)
	return out
}

// synthesize builds a constant-amplitude input buffer in the given format;
// its peak equals the scripted amplitude exactly.
func synthesize(f hal.Format, frames int, amp float32) *hal.IOBuffer {
	b := emptyBuffer(f, frames)
	switch f.Encoding {
	case hal.EncFloat32:
		for _, p := range b.Float32 {
			for i := range p {
				p[i] = amp
			}
		}
	case hal.EncInt16:
		v := int16(amp * 32767)
		for _, p := range b.Int16 {
			for i := range p {
				p[i] = v
			}
		}
	case hal.EncInt32:
		v := int32(amp * 2147483647)
		for _, p := range b.Int32 {
			for i := range p {
				p[i] = v
			}
		}
	}
	return b
}

// emptyBuffer allocates a zeroed buffer shaped for the format.
func emptyBuffer(f hal.Format, frames int) *hal.IOBuffer {
	b := &hal.IOBuffer{Format: f, Frames: frames}
	planes, per := 1, frames*f.Channels
	if !f.Interleaved {
		planes, per = f.Channels, frames
	}
	switch f.Encoding {
	case hal.EncFloat32:
		b.Float32 = make([][]float32, planes)
		for i := range b.Float32 {
			b.Float32[i] = make([]float32, per)
		}
	case hal.EncInt16:
		b.Int16 = make([][]int16, planes)
		for i := range b.Int16 {
			b.Int16[i] = make([]int16, per)
		}
	case hal.EncInt32:
		b.Int32 = make([][]int32, planes)
		for i := range b.Int32 {
			b.Int32[i] = make([]int32, per)
		}
	}
	return b
}
