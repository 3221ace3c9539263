package macroute

import (
	"fmt"
	"time"

	"github.com/shaban/macroute/crossfade"
	"github.com/shaban/macroute/hal"
	"github.com/shaban/macroute/session"
)

// switchResult is what a switch goroutine reports back to the coordination
// goroutine.
type switchResult struct {
	key       string
	cancel    chan struct{}    // identifies which switch this result belongs to
	newSess   *session.Session // primary session after the switch (old one on failure)
	device    string           // device actually in use afterwards
	cancelled bool
	err       error
}

// requestSwitch starts (or queues) a device switch for an application. Only
// one switch is ever in flight per application; a new request cancels the
// current one cooperatively and runs once it has wound down. Coordination
// goroutine only.
func (e *Engine) requestSwitch(key string, st *appState, target string) {
	if st.sess == nil || target == "" {
		return
	}
	if st.switching {
		st.pendingTarget = target
		st.pendingQueued = true
		e.cancelSwitch(st)
		return
	}
	if st.sess.CurrentDevice() == target {
		return
	}
	st.switching = true
	st.switchCancel = make(chan struct{})
	go e.runSwitch(key, st.sess, target, st.app, st.cfg, st.switchCancel)
}

// cancelSwitch asks the in-flight switch (if any) to wind down. The switch
// goroutine still posts its completion; state is cleaned up there.
func (e *Engine) cancelSwitch(st *appState) {
	if st.switchCancel == nil {
		return
	}
	select {
	case <-st.switchCancel:
	default:
		close(st.switchCancel)
	}
}

// detachSwitch cancels the in-flight switch and disowns it: its eventual
// finishSwitch will read as stale and must not touch engine state. Used when
// another recovery path (restart, abandonment) takes over the session.
func (e *Engine) detachSwitch(st *appState) {
	e.cancelSwitch(st)
	st.switching = false
	st.switchCancel = nil
	st.pendingQueued = false
	st.pendingTarget = ""
}

// finishSwitch applies a switch goroutine's outcome. Coordination goroutine
// only. A result is stale when the application was retired, abandoned, or the
// switch was disowned by restart recovery; a stale result must never install
// its session over current state — the surviving handles are destroyed
// instead.
func (e *Engine) finishSwitch(res switchResult) {
	st, ok := e.apps[res.key]
	if !ok || st.abandoned || st.switchCancel != res.cancel {
		if res.newSess != nil && (!ok || res.newSess != st.sess) {
			stale := res.newSess
			go func() {
				if err := stale.Invalidate(); err != nil {
					e.errs.HandleError(err)
				}
			}()
		}
		return
	}
	st.switching = false
	st.switchCancel = nil
	st.sess = res.newSess

	if res.err == nil && !res.cancelled {
		st.health.switchedAt = time.Now()
		st.health.prevValid = false
	}

	if res.err != nil {
		e.errs.HandleError(fmt.Errorf("macroute: switching %s: %w", res.key, res.err))
		// The recorded route must never claim a device that is not actually
		// in use.
		if st.cfg.Policy == PreserveExplicitRouting && st.cfg.DeviceUID != res.device {
			st.cfg.DeviceUID = res.device
			if err := e.persist(res.key, st); err != nil {
				e.errs.HandleError(err)
			}
		}
	}

	if st.pendingQueued {
		st.pendingQueued = false
		target := st.pendingTarget
		st.pendingTarget = ""
		e.requestSwitch(res.key, st, target)
	}
}

// runSwitch performs one device switch off the coordination goroutine.
// Preferred path is an equal-power crossfade between the old session and a
// freshly created one on the target device; taps that cannot overlap, and
// warmup timeouts, fall back to the destructive path. The result is posted
// back to the coordination goroutine.
func (e *Engine) runSwitch(key string, old *session.Session, target string, app hal.App, cfg AppConfig, cancel chan struct{}) {
	res := switchResult{key: key, cancel: cancel, newSess: old, device: old.CurrentDevice()}
	defer func() { e.post(func() { e.finishSwitch(res) }) }()

	dev, err := e.sys.DeviceByUID(target)
	if err != nil {
		res.err = fmt.Errorf("target %q: %w", target, err)
		return
	}
	if !dev.IsOnline {
		res.err = fmt.Errorf("target %q: %w", target, hal.ErrDeviceOffline)
		return
	}

	ratio := e.compensationRatio(old.CurrentDevice(), target)

	if !old.SupportsOverlap() {
		e.destructiveSwitch(&res, old, target, app, cfg, ratio, cancel)
		return
	}

	incoming, err := e.createSwitchSession(app, cfg, target)
	if err != nil {
		res.err = fmt.Errorf("creating session on %q: %w", target, err)
		return
	}

	rate := incoming.SampleRate()
	fadeFrames := uint64(e.cfg.CrossfadeDuration.Seconds() * rate)
	if fadeFrames == 0 {
		fadeFrames = 1
	}

	fade := crossfade.New()
	fade.BeginWarmup(fadeFrames, e.cfg.WarmupMinSamples)
	incoming.SetCompensation(ratio)
	incoming.SetFade(fade, session.FadeIncoming)
	old.SetFade(fade, session.FadeOutgoing)

	// Warmup: the incoming side accumulates samples while staying silent.
	// Wireless targets get the extended window.
	confirmed, cancelled := e.awaitWarmup(fade, e.cfg.warmupTimeout(dev), cancel)
	if cancelled {
		old.ClearFade()
		e.discard(incoming)
		res.cancelled = true
		return
	}
	if !confirmed {
		old.ClearFade()
		e.discard(incoming)
		e.destructiveSwitch(&res, old, target, app, cfg, ratio, cancel)
		return
	}

	// Past this point the switch runs to completion; cancellation applies to
	// the next request, not a fade already in progress.
	fade.BeginCrossfading()
	e.awaitCompletion(fade)

	oldSnap := old.Diagnostics()
	oldDone := old.InvalidateAsync()
	incoming.ClearFade()
	if err := <-oldDone; err != nil {
		e.errs.HandleError(fmt.Errorf("macroute: retiring session for %s: %w", key, err))
	}
	// The retired callback has stopped; its counters can be merged safely.
	incoming.AbsorbDiagnostics(oldSnap)
	incoming.RampCompensationToUnity()

	res.newSess = incoming
	res.device = target
}

// destructiveSwitch is the fallback: force-silence the old session, wait a
// fixed silence window, create the replacement before destroying the old
// handles, and let the new session fade in from zero.
func (e *Engine) destructiveSwitch(res *switchResult, old *session.Session, target string, app hal.App, cfg AppConfig, ratio float64, cancel chan struct{}) {
	old.SetForceSilence(true)

	select {
	case <-time.After(e.cfg.DestructiveSilence):
	case <-cancel:
		old.SetForceSilence(false)
		res.cancelled = true
		return
	}

	incoming, err := e.createSwitchSession(app, cfg, target)
	if err != nil {
		old.SetForceSilence(false)
		res.err = fmt.Errorf("destructive switch to %q: %w", target, err)
		return
	}
	incoming.SetCompensation(ratio)

	oldSnap := old.Diagnostics()
	if err := old.Invalidate(); err != nil {
		e.errs.HandleError(fmt.Errorf("macroute: destroying replaced session: %w", err))
	}
	incoming.AbsorbDiagnostics(oldSnap)
	incoming.RampCompensationToUnity()

	res.newSess = incoming
	res.device = target
	res.err = nil
}

// createSwitchSession builds the incoming session for a switch from the
// application's persisted settings.
func (e *Engine) createSwitchSession(app hal.App, cfg AppConfig, target string) (*session.Session, error) {
	sess, err := session.New(session.Config{
		App:           app,
		Volume:        cfg.Volume,
		Muted:         cfg.Muted,
		EQ:            cfg.EQ,
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

// awaitWarmup polls for warmup confirmation within the timeout.
func (e *Engine) awaitWarmup(fade *crossfade.State, timeout time.Duration, cancel chan struct{}) (confirmed, cancelled bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(e.cfg.WarmupPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if fade.WarmupConfirmed() {
				return true, false
			}
		case <-deadline.C:
			return false, false
		case <-cancel:
			return false, true
		}
	}
}

// awaitCompletion polls until the crossfade reports done, bounded by the
// nominal fade length plus the completion grace; past that the engine
// promotes anyway rather than waiting on a stream that stopped advancing.
func (e *Engine) awaitCompletion(fade *crossfade.State) {
	deadline := time.NewTimer(e.cfg.CrossfadeDuration + e.cfg.CompletionGrace)
	defer deadline.Stop()
	tick := time.NewTicker(e.cfg.WarmupPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if fade.Done() {
				return
			}
		case <-deadline.C:
			return
		}
	}
}

// discard tears a session down synchronously, reporting rather than
// returning errors.
func (e *Engine) discard(s *session.Session) {
	if err := s.Invalidate(); err != nil {
		e.errs.HandleError(err)
	}
}

// compensationRatio derives the gain ratio that keeps perceived loudness
// steady across devices with different hardware volumes. Computed fresh per
// switch and clamped by the session, never accumulated.
func (e *Engine) compensationRatio(fromUID, toUID string) float64 {
	fromVol, err1 := e.sys.DeviceVolume(fromUID)
	toVol, err2 := e.sys.DeviceVolume(toUID)
	if err1 != nil || err2 != nil || fromVol <= 0 || toVol <= 0 {
		return 1
	}
	return fromVol / toVol
}
