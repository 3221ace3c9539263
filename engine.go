// Package macroute is a per-application audio routing engine. It intercepts
// each managed application's output stream, runs it through a real-time DSP
// chain (gain, 10-band EQ, soft limiter) and delivers it to a per-application
// output device, with glitch-free crossfade switching between devices, health
// monitoring with capped recreation, and crash-safe cleanup of native
// resources.
//
// All routing decisions, session creation and destruction happen on a single
// coordination goroutine; the real-time callbacks communicate with it only
// through single-writer atomics. Public methods marshal onto the
// coordination goroutine and wait for the result.
package macroute

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaban/macroute/hal"
	"github.com/shaban/macroute/safety"
	"github.com/shaban/macroute/session"
)

var (
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("macroute: engine closed")

	// ErrUnknownApp is returned when an operation names an application the
	// engine is not managing.
	ErrUnknownApp = errors.New("macroute: unknown application")

	// ErrAbandoned is returned for applications removed from active
	// management after exceeding the recreation cap.
	ErrAbandoned = errors.New("macroute: application abandoned after repeated failures")
)

// appState is the coordination goroutine's view of one managed application.
// Only the coordination goroutine touches it.
type appState struct {
	app  hal.App
	cfg  AppConfig
	sess *session.Session

	// Device switch serialization: one in flight per application, a new
	// request cancels the previous one and queues behind it.
	switching     bool
	switchCancel  chan struct{}
	pendingTarget string
	pendingQueued bool

	// Grace-period destruction after the application disappears.
	stopGen   int
	stopTimer *time.Timer

	health    healthState
	abandoned bool
}

// Engine is the routing orchestrator.
type Engine struct {
	cfg   Config
	sys   hal.System
	store Store
	errs  ErrorHandler

	cmds   chan func()
	events chan hal.Event
	quit   chan struct{}
	done   chan struct{}

	unsubscribe func()
	stopCrash   func()

	// Coordination-goroutine state.
	apps       map[string]*appState
	defaultOut string
}

// New creates and starts an engine: it sweeps orphaned mix devices left by a
// previous crash, installs the crash handler, subscribes to subsystem
// notifications and starts the coordination goroutine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if n, err := safety.CleanupOrphans(cfg.System, cfg.MixNamePrefix); err != nil {
		cfg.ErrorHandler.HandleError(fmt.Errorf("macroute: orphan cleanup (destroyed %d): %w", n, err))
	}
	safety.Global().SetDestroyFunc(func(id uint64) {
		_ = cfg.System.DestroyMixDeviceByID(hal.MixDeviceID(id))
	})

	e := &Engine{
		cfg:    cfg,
		sys:    cfg.System,
		store:  cfg.Store,
		errs:   cfg.ErrorHandler,
		cmds:   make(chan func(), 64),
		events: make(chan hal.Event, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		apps:   make(map[string]*appState),
	}

	if uid, err := e.sys.DefaultOutputDevice(); err == nil {
		e.defaultOut = uid
	}

	e.stopCrash = safety.InstallCrashHandler()
	e.unsubscribe = e.sys.Subscribe(func(ev hal.Event) {
		select {
		case e.events <- ev:
		case <-e.quit:
		}
	})

	go e.run()
	return e, nil
}

// run is the coordination goroutine. Every session mutation in the engine
// happens here.
func (e *Engine) run() {
	defer close(e.done)
	health := time.NewTicker(e.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-e.quit:
			e.shutdown()
			return
		case fn := <-e.cmds:
			fn()
		case ev := <-e.events:
			e.handleEvent(ev)
		case <-health.C:
			e.healthCheck()
		}
	}
}

// shutdown tears down every session in an orderly fashion. Runs on the
// coordination goroutine as its last act.
func (e *Engine) shutdown() {
	for _, st := range e.apps {
		e.cancelStopTimer(st)
		e.cancelSwitch(st)
		if st.sess != nil {
			if err := st.sess.Invalidate(); err != nil {
				e.errs.HandleError(err)
			}
			st.sess = nil
		}
	}
}

// Close stops the engine and synchronously destroys all sessions.
func (e *Engine) Close() error {
	select {
	case <-e.quit:
		return ErrEngineClosed
	default:
	}
	close(e.quit)
	<-e.done
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	if e.stopCrash != nil {
		e.stopCrash()
	}
	return nil
}

// do runs fn on the coordination goroutine and waits for its result.
func (e *Engine) do(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case e.cmds <- func() { errCh <- fn() }:
	case <-e.quit:
		return ErrEngineClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-e.done:
		return ErrEngineClosed
	}
}

// post queues fn on the coordination goroutine without waiting. Used by
// background workers (switch goroutines, grace timers) to re-enter the
// coordination context.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.quit:
	}
}

// InjectEvent feeds a subsystem event into the engine, for device monitors
// and tests that sit outside the backend's own notification path.
func (e *Engine) InjectEvent(ev hal.Event) {
	select {
	case e.events <- ev:
	case <-e.quit:
	}
}

// OnAppStarted tells the engine an application began producing audio. A
// session is created targeting its persisted device (or the system default);
// if the application disappeared moments ago and is still inside its
// destruction grace period, the pending destruction is cancelled instead.
func (e *Engine) OnAppStarted(app hal.App) error {
	return e.do(func() error { return e.appStarted(app) })
}

func (e *Engine) appStarted(app hal.App) error {
	key := app.Key()
	if st, ok := e.apps[key]; ok {
		if st.abandoned {
			return ErrAbandoned
		}
		// Reappearance within the grace window keeps the live session.
		e.cancelStopTimer(st)
		st.app = app
		return nil
	}

	cfg, found, err := e.store.Load(key)
	if err != nil {
		e.errs.HandleError(fmt.Errorf("macroute: loading settings for %s: %w", key, err))
		found = false
	}
	if !found {
		cfg = DefaultAppConfig()
	}

	st := &appState{app: app, cfg: cfg}
	target := e.resolveTarget(st)

	sess, err := e.createSession(st, target)
	if err != nil {
		// Kept under management so the health cycle retries creation.
		st.health.pendingCreate = true
		e.apps[key] = st
		return fmt.Errorf("macroute: session for %s: %w", key, err)
	}
	st.sess = sess
	e.apps[key] = st
	return nil
}

// resolveTarget picks the output device for an application from its policy
// and the current device population.
func (e *Engine) resolveTarget(st *appState) string {
	if st.cfg.Policy == PreserveExplicitRouting && st.cfg.DeviceUID != "" {
		if dev, err := e.sys.DeviceByUID(st.cfg.DeviceUID); err == nil && dev.IsOnline {
			return st.cfg.DeviceUID
		}
	}
	return e.systemDefault()
}

func (e *Engine) systemDefault() string {
	if uid, err := e.sys.DefaultOutputDevice(); err == nil && uid != "" {
		e.defaultOut = uid
	}
	return e.defaultOut
}

// createSession builds and activates a session from persisted settings.
func (e *Engine) createSession(st *appState, target string) (*session.Session, error) {
	sess, err := session.New(session.Config{
		App:           st.app,
		Volume:        st.cfg.Volume,
		Muted:         st.cfg.Muted,
		EQ:            st.cfg.EQ,
		MixNamePrefix: e.cfg.MixNamePrefix,
		MaxFrames:     e.cfg.MaxFrames,
		System:        e.sys,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Activate(target); err != nil {
		return nil, err
	}
	return sess, nil
}

// OnAppStopped schedules the application's session for destruction after the
// grace period. A reappearance within the window cancels it.
func (e *Engine) OnAppStopped(app hal.App) error {
	return e.do(func() error {
		key := app.Key()
		st, ok := e.apps[key]
		if !ok {
			return ErrUnknownApp
		}
		e.scheduleStop(key, st)
		return nil
	})
}

func (e *Engine) scheduleStop(key string, st *appState) {
	e.cancelStopTimer(st)
	st.stopGen++
	gen := st.stopGen
	st.stopTimer = time.AfterFunc(e.cfg.StopGrace, func() {
		e.post(func() {
			cur, ok := e.apps[key]
			if !ok || cur.stopGen != gen {
				return // cancelled or superseded
			}
			e.retire(key, cur)
		})
	})
}

func (e *Engine) cancelStopTimer(st *appState) {
	if st.stopTimer != nil {
		st.stopTimer.Stop()
		st.stopTimer = nil
	}
	st.stopGen++
}

// retire removes an application from management and destroys its session in
// the background.
func (e *Engine) retire(key string, st *appState) {
	e.cancelSwitch(st)
	delete(e.apps, key)
	if st.sess == nil {
		return
	}
	sess := st.sess
	st.sess = nil
	done := sess.InvalidateAsync()
	go func() {
		if err := <-done; err != nil {
			e.errs.HandleError(err)
		}
	}()
}

// persistDetached writes a setting for an application the engine is not
// currently managing. The stored configuration takes effect when the
// application next produces audio.
func (e *Engine) persistDetached(key string, mutate func(*AppConfig)) error {
	cfg, found, err := e.store.Load(key)
	if err != nil {
		return fmt.Errorf("macroute: loading settings for %s: %w", key, err)
	}
	if !found {
		cfg = DefaultAppConfig()
	}
	mutate(&cfg)
	if err := e.store.Save(key, cfg); err != nil {
		return fmt.Errorf("macroute: persisting settings for %s: %w", key, err)
	}
	return nil
}

// SetVolume updates an application's volume (0.0–2.0) and persists it.
// Settings persist even when no session exists yet.
func (e *Engine) SetVolume(appKey string, volume float64) error {
	return e.do(func() error {
		if volume < 0 {
			volume = 0
		} else if volume > 2 {
			volume = 2
		}
		st, ok := e.apps[appKey]
		if !ok {
			return e.persistDetached(appKey, func(c *AppConfig) { c.Volume = volume })
		}
		st.cfg.Volume = volume
		if st.sess != nil {
			st.sess.SetVolume(volume)
		}
		return e.persist(appKey, st)
	})
}

// SetMute updates an application's mute flag and persists it. Settings
// persist even when no session exists yet.
func (e *Engine) SetMute(appKey string, muted bool) error {
	return e.do(func() error {
		st, ok := e.apps[appKey]
		if !ok {
			return e.persistDetached(appKey, func(c *AppConfig) { c.Muted = muted })
		}
		st.cfg.Muted = muted
		if st.sess != nil {
			st.sess.SetMute(muted)
		}
		return e.persist(appKey, st)
	})
}

// SetEQ updates an application's 10-band EQ gains (dB, clamped to ±12) and
// persists them. Settings persist even when no session exists yet.
func (e *Engine) SetEQ(appKey string, gains [10]float64) error {
	return e.do(func() error {
		st, ok := e.apps[appKey]
		if !ok {
			return e.persistDetached(appKey, func(c *AppConfig) { c.EQ = gains })
		}
		st.cfg.EQ = gains
		if st.sess != nil {
			st.sess.SetEQ(gains)
		}
		return e.persist(appKey, st)
	})
}

// SetDevice routes an application to a specific output device, switching the
// live session over with a crossfade. An empty UID reverts the application to
// following the system default. The routing persists even when no session
// exists yet.
func (e *Engine) SetDevice(appKey string, deviceUID string) error {
	return e.do(func() error {
		st, ok := e.apps[appKey]
		if !ok {
			if deviceUID == "" {
				return e.persistDetached(appKey, func(c *AppConfig) {
					c.DeviceUID = ""
					c.Policy = FollowSystemDefault
				})
			}
			dev, err := e.sys.DeviceByUID(deviceUID)
			if err != nil {
				return fmt.Errorf("macroute: routing %s: %w", appKey, err)
			}
			if !dev.IsOnline {
				return fmt.Errorf("macroute: routing %s to %q: %w", appKey, deviceUID, hal.ErrDeviceOffline)
			}
			return e.persistDetached(appKey, func(c *AppConfig) {
				c.DeviceUID = deviceUID
				c.Policy = PreserveExplicitRouting
			})
		}
		if st.abandoned {
			return ErrAbandoned
		}
		if deviceUID == "" {
			st.cfg.DeviceUID = ""
			st.cfg.Policy = FollowSystemDefault
			if err := e.persist(appKey, st); err != nil {
				return err
			}
			e.requestSwitch(appKey, st, e.systemDefault())
			return nil
		}
		dev, err := e.sys.DeviceByUID(deviceUID)
		if err != nil {
			return fmt.Errorf("macroute: routing %s: %w", appKey, err)
		}
		if !dev.IsOnline {
			return fmt.Errorf("macroute: routing %s to %q: %w", appKey, deviceUID, hal.ErrDeviceOffline)
		}
		st.cfg.DeviceUID = deviceUID
		st.cfg.Policy = PreserveExplicitRouting
		if err := e.persist(appKey, st); err != nil {
			return err
		}
		e.requestSwitch(appKey, st, deviceUID)
		return nil
	})
}

// EnableRecording taps an application's processed output stream to a WAV
// file for diagnosis. Recording does not survive a device switch or
// recreation; it is a debugging aid, not a capture feature.
func (e *Engine) EnableRecording(appKey, path string) error {
	return e.do(func() error {
		st, ok := e.apps[appKey]
		if !ok {
			return ErrUnknownApp
		}
		if st.sess == nil {
			return fmt.Errorf("macroute: %s has no live session", appKey)
		}
		return st.sess.EnableRecording(path)
	})
}

// DisableRecording stops and finalizes an application's debug recording.
func (e *Engine) DisableRecording(appKey string) error {
	return e.do(func() error {
		st, ok := e.apps[appKey]
		if !ok {
			return ErrUnknownApp
		}
		if st.sess == nil {
			return nil
		}
		return st.sess.DisableRecording()
	})
}

func (e *Engine) persist(key string, st *appState) error {
	if err := e.store.Save(key, st.cfg); err != nil {
		return fmt.Errorf("macroute: persisting settings for %s: %w", key, err)
	}
	return nil
}

// handleEvent reacts to subsystem notifications on the coordination
// goroutine.
func (e *Engine) handleEvent(ev hal.Event) {
	switch ev.Kind {
	case hal.DefaultOutputChanged:
		e.onDefaultChanged(ev.DeviceUID)
	case hal.DeviceListChanged:
		e.onDeviceListChanged()
	case hal.ServicesRestarted:
		e.onServicesRestarted()
	}
}

func (e *Engine) onDefaultChanged(uid string) {
	if uid == "" {
		uid = e.systemDefault()
	} else {
		e.defaultOut = uid
	}
	for key, st := range e.apps {
		if st.abandoned || st.sess == nil {
			continue
		}
		if st.cfg.Policy != FollowSystemDefault {
			continue
		}
		if st.sess.CurrentDevice() == uid {
			continue
		}
		e.requestSwitch(key, st, uid)
	}
}

// onDeviceListChanged moves sessions off devices that went away.
func (e *Engine) onDeviceListChanged() {
	def := e.systemDefault()
	for key, st := range e.apps {
		if st.abandoned || st.sess == nil || st.switching {
			continue
		}
		cur := st.sess.CurrentDevice()
		dev, err := e.sys.DeviceByUID(cur)
		if err == nil && dev.IsOnline {
			continue
		}
		if cur == def {
			continue
		}
		e.requestSwitch(key, st, def)
	}
}

// onServicesRestarted recovers from an audio subsystem restart: every native
// handle is now invalid. Routing is snapshotted, in-flight switches
// cancelled, all sessions destroyed, and after a stabilization delay each
// session is recreated on its previous route. The snapshot restore suppresses
// the spurious device-change churn the recreation itself generates.
func (e *Engine) onServicesRestarted() {
	type route struct {
		key    string
		target string
	}
	var routes []route
	for key, st := range e.apps {
		if st.abandoned {
			continue
		}
		e.detachSwitch(st)
		target := ""
		if st.sess != nil {
			target = st.sess.CurrentDevice()
			if err := st.sess.Invalidate(); err != nil {
				e.errs.HandleError(fmt.Errorf("macroute: restart teardown for %s: %w", key, err))
			}
			st.sess = nil
		}
		routes = append(routes, route{key: key, target: target})
	}

	time.AfterFunc(e.cfg.RestartStabilization, func() {
		e.post(func() {
			for _, r := range routes {
				st, ok := e.apps[r.key]
				if !ok || st.abandoned || st.sess != nil {
					continue
				}
				target := r.target
				if dev, err := e.sys.DeviceByUID(target); err != nil || !dev.IsOnline {
					target = e.systemDefault()
				}
				sess, err := e.createSession(st, target)
				if err != nil {
					e.errs.HandleError(fmt.Errorf("macroute: restart recovery for %s: %w", r.key, err))
					st.health.pendingCreate = true
					continue
				}
				st.sess = sess
			}
		})
	})
}

// AppStatus is a presentation snapshot of one managed application.
type AppStatus struct {
	Key       string
	Name      string
	PID       int32
	DeviceUID string
	Policy    RoutingPolicy
	Volume    float64
	Muted     bool
	EQ        [10]float64
	Level     float32
	// IsPlaying reports whether the application is actively producing audio:
	// callbacks and live input have advanced since the last health baseline.
	IsPlaying bool
	Switching bool
	Abandoned bool
	Diag      session.Snapshot
}

// Snapshot returns the current state of every managed application, for UIs
// and diagnostics.
func (e *Engine) Snapshot() ([]AppStatus, error) {
	var out []AppStatus
	err := e.do(func() error {
		out = make([]AppStatus, 0, len(e.apps))
		for key, st := range e.apps {
			s := AppStatus{
				Key:       key,
				Name:      st.app.Name,
				PID:       st.app.PID,
				Policy:    st.cfg.Policy,
				Volume:    st.cfg.Volume,
				Muted:     st.cfg.Muted,
				EQ:        st.cfg.EQ,
				Switching: st.switching,
				Abandoned: st.abandoned,
			}
			if st.sess != nil {
				s.DeviceUID = st.sess.CurrentDevice()
				s.Level = st.sess.AudioLevel()
				s.Diag = st.sess.Diagnostics()
				prev := st.health.prev
				s.IsPlaying = s.Diag.Callbacks > prev.Callbacks && s.Diag.LiveInput > prev.LiveInput
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}
