// Package session implements the per-application capture/output session: it
// owns the native tap and mix handles, runs the real-time IO callback, and
// drives the DSP chain and crossfade multipliers. Sessions are created and
// destroyed only from the engine's coordination goroutine; the IO callback
// reads shared state through single-writer atomics.
package session

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shaban/macroute/crossfade"
	"github.com/shaban/macroute/dsp"
	"github.com/shaban/macroute/hal"
	"github.com/shaban/macroute/safety"
)

// FadeRole is the session's role in an in-flight device switch.
type FadeRole int32

const (
	FadeNone     FadeRole = iota
	FadeOutgoing          // currently-audible session being replaced
	FadeIncoming          // warming-up session that will be promoted
)

// captureEpsilon is the input peak above which capture is considered
// confirmed for the permission gate.
const captureEpsilon = 1e-4

// Compensation ratio bounds. The ratio is computed fresh at each switch and
// never accumulated across switches.
const (
	minCompensation = 0.5
	maxCompensation = 2.0
)

// Config configures a session. The engine fills it from persisted
// per-application settings.
type Config struct {
	App    hal.App
	Volume float64 // 0.0–2.0, 1.0 unity
	Muted  bool
	EQ     [dsp.NumBands]float64 // band gains in dB

	// MixNamePrefix namespaces the published mix-device name so the orphan
	// scan can identify devices owned by this application.
	MixNamePrefix string

	// MaxFrames bounds the per-callback frame count; scratch buffers are
	// sized from it. Defaults to 4096.
	MaxFrames int

	System   hal.System
	Registry *safety.Registry
}

func (c *Config) applyDefaults() error {
	if c.System == nil {
		return fmt.Errorf("session: System is required")
	}
	if c.Registry == nil {
		c.Registry = safety.Global()
	}
	if c.MixNamePrefix == "" {
		c.MixNamePrefix = "macroute"
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = 4096
	}
	if c.Volume < 0 {
		c.Volume = 0
	} else if c.Volume > 2 {
		c.Volume = 2
	}
	return nil
}

// Session is one application's capture → process → output pipeline.
type Session struct {
	id  uuid.UUID
	app hal.App

	sys      hal.System
	registry *safety.Registry

	res resources // native handles, teardown ordering

	deviceUID  string
	sampleRate float64
	mixName    string

	converter   *dsp.Converter // nil when the tap already delivers canonically
	passthrough bool           // unsupported layout: relay unprocessed

	scratch []float32 // canonical interleaved stereo, 2*MaxFrames

	volume  *dsp.GainRamp
	comp    *dsp.GainRamp // device-volume compensation, ramped to unity after promotion
	muted   atomic.Bool
	silence atomic.Bool // force-silence during a switch

	eq      atomic.Pointer[dsp.Equalizer]
	limiter *dsp.Limiter

	fade     atomic.Pointer[crossfade.State]
	fadeRole atomic.Int32

	rec atomic.Pointer[Recorder]

	captureConfirmed atomic.Bool

	diag Diagnostics
}

// New builds an inactive session; Activate acquires the native resources.
func New(cfg Config) (*Session, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	s := &Session{
		id:       uuid.New(),
		app:      cfg.App,
		sys:      cfg.System,
		registry: cfg.Registry,
		scratch:  make([]float32, cfg.MaxFrames*2),
		limiter:  dsp.DefaultLimiter(),
	}
	s.mixName = cfg.MixNamePrefix + "-" + s.id.String()
	s.res.reg = s.registry
	// Ramps get their real coefficients once the effective sample rate is
	// known during activation. Volume starts at zero and ramps up to the
	// persisted target so a new session fades in rather than pops.
	s.volume = dsp.NewGainRamp(0, hal.Canonical.SampleRate)
	s.volume.SetTarget(float32(cfg.Volume))
	s.comp = dsp.NewGainRamp(1, hal.Canonical.SampleRate)
	s.muted.Store(cfg.Muted)

	eq := dsp.NewEqualizer(hal.Canonical.SampleRate)
	eq.Configure(cfg.EQ, hal.Canonical.SampleRate)
	s.eq.Store(eq)
	return s, nil
}

// ID returns the session's unique identity.
func (s *Session) ID() uuid.UUID { return s.id }

// App returns the captured application.
func (s *Session) App() hal.App { return s.app }

// CurrentDevice returns the output device this session targets.
func (s *Session) CurrentDevice() string { return s.deviceUID }

// SampleRate returns the effective processing rate determined at activation.
func (s *Session) SampleRate() float64 { return s.sampleRate }

// Activate acquires all native resources for targetDevice in strict order:
// tap → mix device → crash registry → effective sample rate → format
// conversion → IO callback → start. Any failure tears down everything
// acquired so far and returns the error; nothing is left partially live.
func (s *Session) Activate(targetDevice string) error {
	if s.res.live() {
		return fmt.Errorf("session %s: already active", s.id)
	}
	if s.res.invalidated() {
		return fmt.Errorf("session %s: already invalidated", s.id)
	}

	tap, err := s.sys.CreateProcessTap(s.app)
	if err != nil {
		return fmt.Errorf("session: creating tap for %s: %w", s.app.Key(), err)
	}
	s.res.tap = tap

	mix, err := s.sys.CreateMixDevice(hal.MixConfig{
		Tap:             tap,
		OutputDeviceUID: targetDevice,
		Name:            s.mixName,
	})
	if err != nil {
		s.res.teardown()
		return fmt.Errorf("session: creating mix device on %q: %w", targetDevice, err)
	}
	s.res.mix = mix

	if err := s.registry.Register(uint64(mix.ID())); err != nil {
		s.res.teardown()
		return fmt.Errorf("session: registering mix device: %w", err)
	}
	s.res.registered = true

	// Effective sample rate: the captured stream's rate when readable,
	// otherwise the output device's nominal rate.
	rate := 0.0
	format, ferr := tap.Format()
	if ferr == nil && format.SampleRate > 0 {
		rate = format.SampleRate
	} else {
		dev, derr := s.sys.DeviceByUID(targetDevice)
		if derr != nil {
			s.res.teardown()
			return fmt.Errorf("session: no usable sample rate (tap: %v): %w", ferr, derr)
		}
		rate = dev.NominalSampleRate
	}
	if rate <= 0 {
		rate = hal.Canonical.SampleRate
	}
	s.sampleRate = rate
	s.volume.SetSampleRate(rate)
	s.comp.SetSampleRate(rate)
	if eq := s.eq.Load(); eq != nil && eq.SampleRate() != rate {
		next := dsp.NewEqualizer(rate)
		next.Configure(eq.Gains(), rate)
		s.eq.Store(next)
	}

	// Format conversion, unless the tap already delivers the canonical
	// layout. An unsupported layout downgrades to unprocessed passthrough.
	s.converter, s.passthrough = nil, false
	if ferr == nil && !format.IsCanonicalLayout() {
		conv, cerr := dsp.NewConverter(format)
		if cerr != nil {
			s.passthrough = true
		} else {
			s.converter = conv
		}
	}

	if err := mix.SetIOProc(s.ioProc); err != nil {
		s.res.teardown()
		return fmt.Errorf("session: installing IO callback: %w", err)
	}
	if err := mix.Start(); err != nil {
		s.res.teardown()
		return fmt.Errorf("session: starting mix device: %w", err)
	}
	s.res.started = true
	s.deviceUID = targetDevice
	return nil
}

// SetVolume updates the target volume; the callback ramps toward it.
func (s *Session) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 2 {
		v = 2
	}
	s.volume.SetTarget(float32(v))
}

// Volume returns the current volume target.
func (s *Session) Volume() float64 { return float64(s.volume.Target()) }

// SetMute flips the user mute flag.
func (s *Session) SetMute(muted bool) { s.muted.Store(muted) }

// Muted reports the user mute flag.
func (s *Session) Muted() bool { return s.muted.Load() }

// SetEQ rebuilds the equalizer coefficient cache for the given band gains.
// The new equalizer is swapped in atomically; the callback picks it up on its
// next cycle, so a reconfigure never races live filter state.
func (s *Session) SetEQ(gains [dsp.NumBands]float64) {
	rate := s.sampleRate
	if rate <= 0 {
		rate = hal.Canonical.SampleRate
	}
	next := dsp.NewEqualizer(rate)
	next.Configure(gains, rate)
	s.eq.Store(next)
}

// EQGains returns the configured band gains.
func (s *Session) EQGains() [dsp.NumBands]float64 {
	if eq := s.eq.Load(); eq != nil {
		return eq.Gains()
	}
	return [dsp.NumBands]float64{}
}

// SetForceSilence makes the callback emit zeros without any processing,
// used while a destructive switch is in flight.
func (s *Session) SetForceSilence(on bool) { s.silence.Store(on) }

// ForceSilenced reports the force-silence flag.
func (s *Session) ForceSilenced() bool { return s.silence.Load() }

// SetFade attaches a crossfade state and this session's role in it. The
// incoming session drives the sample counters; both sessions read their
// multipliers from the same state.
func (s *Session) SetFade(f *crossfade.State, role FadeRole) {
	s.fadeRole.Store(int32(role))
	s.fade.Store(f)
}

// ClearFade detaches the crossfade state; multipliers return to unity.
func (s *Session) ClearFade() {
	s.fade.Store(nil)
	s.fadeRole.Store(int32(FadeNone))
}

// SetCompensation installs a device-volume compensation ratio, clamped to
// [0.5, 2.0], taking effect immediately.
func (s *Session) SetCompensation(ratio float64) {
	if ratio < minCompensation {
		ratio = minCompensation
	} else if ratio > maxCompensation {
		ratio = maxCompensation
	}
	s.comp.Set(float32(ratio))
}

// RampCompensationToUnity fades the compensation ratio back to 1.0 after
// promotion, so ratios never stack across switches.
func (s *Session) RampCompensationToUnity() { s.comp.SetTarget(1) }

// SupportsOverlap reports whether this session's tap tolerates a second,
// overlapping mix device. When false, device switches must use the
// destructive path.
func (s *Session) SupportsOverlap() bool {
	if s.res.tap == nil {
		return false
	}
	return s.res.tap.SupportsOverlap()
}

// CaptureConfirmed reports whether real captured input has been observed.
func (s *Session) CaptureConfirmed() bool { return s.captureConfirmed.Load() }

// ConfirmCaptureIfLive upgrades the tap from safe mode to silencing mode once
// real input is observed (the permission gate for platforms where capture
// authorization cannot be queried). Returns true when the upgrade happened.
func (s *Session) ConfirmCaptureIfLive() bool {
	if s.captureConfirmed.Load() {
		return false
	}
	if s.diag.LiveInput.Load() == 0 && s.diag.InputPeak() < captureEpsilon {
		return false
	}
	if s.res.tap == nil {
		return false
	}
	if err := s.res.tap.SetOriginSilenced(true); err != nil {
		return false
	}
	s.captureConfirmed.Store(true)
	return true
}

// Diagnostics returns a snapshot of the session's counters.
func (s *Session) Diagnostics() Snapshot { return s.diag.Snapshot() }

// AudioLevel returns the last input peak for level display; it keeps
// reporting while muted.
func (s *Session) AudioLevel() float32 { return s.diag.InputPeak() }

// AbsorbDiagnostics merges a retired session's counters into this one.
// Called at promotion, after the retired callback has stopped.
func (s *Session) AbsorbDiagnostics(old Snapshot) { s.diag.Absorb(old) }

// Invalidate synchronously tears down all native resources in strict order:
// stop IO (confirming callback cessation) → unregister from the crash
// registry → destroy mix device → destroy tap. Safe to call more than once.
func (s *Session) Invalidate() error {
	if r := s.rec.Swap(nil); r != nil {
		r.Close()
	}
	return s.res.teardown()
}

// InvalidateAsync dispatches teardown to a background worker and returns a
// channel that delivers the result. Creation that must not race destruction
// waits on the channel rather than sleeping.
func (s *Session) InvalidateAsync() <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Invalidate() }()
	return done
}
