// Package halsim is an in-memory implementation of the hal.System boundary:
// a scriptable device table, synthetic application signals, per-step failure
// injection and manually pumped IO callbacks. It exists for tests and demos;
// nothing in it touches a real audio subsystem.
package halsim

import (
	"fmt"
	"sync"

	"github.com/shaban/macroute/hal"
)

// System is a simulated audio subsystem. Safe for concurrent use.
type System struct {
	mu sync.Mutex

	devices    map[string]*simDevice
	defaultUID string

	apps map[string]*appProfile

	taps  map[*Tap]struct{}
	mixes map[hal.MixDeviceID]*Mix

	nextMixID hal.MixDeviceID
	nextSubID int
	subs      map[int]func(hal.Event)

	// Failure injection hooks. A nil hook never fails.
	OnCreateTap func(app hal.App) error
	OnCreateMix func(cfg hal.MixConfig) error
	OnStartMix  func(m *Mix) error
}

type simDevice struct {
	dev    hal.Device
	volume float64
}

// appProfile scripts what a simulated application's tap produces.
type appProfile struct {
	format    hal.Format
	overlap   bool
	amplitude float32
}

// NewSystem creates an empty simulated subsystem.
func NewSystem() *System {
	return &System{
		devices: make(map[string]*simDevice),
		apps:    make(map[string]*appProfile),
		taps:    make(map[*Tap]struct{}),
		mixes:   make(map[hal.MixDeviceID]*Mix),
		subs:    make(map[int]func(hal.Event)),
	}
}

// AddDevice installs or replaces a device in the table. The first device
// added becomes the default.
func (s *System) AddDevice(dev hal.Device, volume float64) {
	s.mu.Lock()
	s.devices[dev.UID] = &simDevice{dev: dev, volume: volume}
	if s.defaultUID == "" || dev.IsDefault {
		s.defaultUID = dev.UID
	}
	s.mu.Unlock()
	s.Emit(hal.Event{Kind: hal.DeviceListChanged})
}

// RemoveDevice deletes a device from the table.
func (s *System) RemoveDevice(uid string) {
	s.mu.Lock()
	delete(s.devices, uid)
	s.mu.Unlock()
	s.Emit(hal.Event{Kind: hal.DeviceListChanged})
}

// SetDefault changes the default output device.
func (s *System) SetDefault(uid string) {
	s.mu.Lock()
	s.defaultUID = uid
	s.mu.Unlock()
	s.Emit(hal.Event{Kind: hal.DefaultOutputChanged, DeviceUID: uid})
}

// SetDeviceVolume scripts a device's hardware volume.
func (s *System) SetDeviceVolume(uid string, volume float64) {
	s.mu.Lock()
	if d, ok := s.devices[uid]; ok {
		d.volume = volume
	}
	s.mu.Unlock()
}

// SetAppProfile scripts the capture format, overlap capability and signal
// amplitude for an application's taps. Unscripted applications default to the
// canonical format, overlap-capable, silent.
func (s *System) SetAppProfile(app hal.App, format hal.Format, overlap bool, amplitude float32) {
	s.mu.Lock()
	s.apps[app.Key()] = &appProfile{format: format, overlap: overlap, amplitude: amplitude}
	s.mu.Unlock()
}

// SetAppSignal adjusts just the scripted amplitude for an application.
func (s *System) SetAppSignal(app hal.App, amplitude float32) {
	s.mu.Lock()
	if p, ok := s.apps[app.Key()]; ok {
		p.amplitude = amplitude
	} else {
		s.apps[app.Key()] = &appProfile{format: hal.Canonical, overlap: true, amplitude: amplitude}
	}
	s.mu.Unlock()
}

func (s *System) profile(key string) appProfile {
	if p, ok := s.apps[key]; ok {
		return *p
	}
	return appProfile{format: hal.Canonical, overlap: true}
}

// CreateProcessTap implements hal.System.
func (s *System) CreateProcessTap(app hal.App) (hal.TapHandle, error) {
	s.mu.Lock()
	hook := s.OnCreateTap
	s.mu.Unlock()
	if hook != nil {
		if err := hook(app); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profile(app.Key())
	t := &Tap{sys: s, app: app, format: p.format, overlap: p.overlap, amplitude: p.amplitude}
	s.taps[t] = struct{}{}
	return t, nil
}

// CreateMixDevice implements hal.System.
func (s *System) CreateMixDevice(cfg hal.MixConfig) (hal.MixHandle, error) {
	s.mu.Lock()
	hook := s.OnCreateMix
	s.mu.Unlock()
	if hook != nil {
		if err := hook(cfg); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[cfg.OutputDeviceUID]; !ok {
		return nil, fmt.Errorf("halsim: output %q: %w", cfg.OutputDeviceUID, hal.ErrDeviceNotFound)
	}
	tap, _ := cfg.Tap.(*Tap)
	s.nextMixID++
	m := &Mix{sys: s, id: s.nextMixID, name: cfg.Name, tap: tap, outputUID: cfg.OutputDeviceUID}
	s.mixes[m.id] = m
	return m, nil
}

// DestroyMixDeviceByID implements hal.System. It depends on no handle state,
// matching what a crash handler needs.
func (s *System) DestroyMixDeviceByID(id hal.MixDeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mixes[id]
	if !ok {
		return fmt.Errorf("halsim: mix device %d: %w", id, hal.ErrDeviceNotFound)
	}
	m.running = false
	m.destroyed = true
	delete(s.mixes, id)
	return nil
}

// ListMixDevices implements hal.System.
func (s *System) ListMixDevices(prefix string) ([]hal.MixDeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []hal.MixDeviceID
	for id, m := range s.mixes {
		if len(m.name) >= len(prefix) && m.name[:len(prefix)] == prefix {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Devices implements hal.System.
func (s *System) Devices() ([]hal.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hal.Device, 0, len(s.devices))
	for _, d := range s.devices {
		dev := d.dev
		dev.IsDefault = dev.UID == s.defaultUID
		out = append(out, dev)
	}
	return out, nil
}

// DeviceByUID implements hal.System.
func (s *System) DeviceByUID(uid string) (hal.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[uid]
	if !ok {
		return hal.Device{}, fmt.Errorf("halsim: %q: %w", uid, hal.ErrDeviceNotFound)
	}
	dev := d.dev
	dev.IsDefault = dev.UID == s.defaultUID
	return dev, nil
}

// DefaultOutputDevice implements hal.System.
func (s *System) DefaultOutputDevice() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defaultUID == "" {
		return "", hal.ErrDeviceNotFound
	}
	return s.defaultUID, nil
}

// DeviceVolume implements hal.System.
func (s *System) DeviceVolume(uid string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[uid]
	if !ok {
		return 0, fmt.Errorf("halsim: %q: %w", uid, hal.ErrDeviceNotFound)
	}
	return d.volume, nil
}

// Subscribe implements hal.System.
func (s *System) Subscribe(fn func(hal.Event)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Emit delivers an event to all subscribers.
func (s *System) Emit(ev hal.Event) {
	s.mu.Lock()
	fns := make([]func(hal.Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// RestartServices invalidates every live tap and mix device and emits a
// ServicesRestarted event, as a subsystem restart would.
func (s *System) RestartServices() {
	s.mu.Lock()
	for _, m := range s.mixes {
		m.running = false
		m.destroyed = true
	}
	s.mixes = make(map[hal.MixDeviceID]*Mix)
	for t := range s.taps {
		t.destroyed = true
	}
	s.taps = make(map[*Tap]struct{})
	s.mu.Unlock()
	s.Emit(hal.Event{Kind: hal.ServicesRestarted})
}

// LiveMixes returns the currently live mix devices, for tests that need to
// pump their callbacks.
func (s *System) LiveMixes() []*Mix {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Mix, 0, len(s.mixes))
	for _, m := range s.mixes {
		out = append(out, m)
	}
	return out
}

// MixCount returns the number of live mix devices.
func (s *System) MixCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mixes)
}

// PumpAll drives one IO cycle of the given frame count on every running mix
// device.
func (s *System) PumpAll(frames int) {
	for _, m := range s.LiveMixes() {
		m.Pump(frames)
	}
}
