package macroute

import (
	"fmt"
	"time"

	"github.com/shaban/macroute/session"
)

// brokenEmptyRatio is the empty-input ratio below which a session that never
// writes output is considered broken rather than merely idle: the buffers
// carry data, yet nothing comes out.
const brokenEmptyRatio = 0.1

// frozenAfterSwitchWindow is how long after a completed switch the input
// stream is watched for freezing.
const frozenAfterSwitchWindow = 6 * time.Second

type healthVerdict int

const (
	healthOK healthVerdict = iota
	healthNeverStarted
	healthStalled
	healthBroken
	healthFrozenAfterSwitch
)

func (v healthVerdict) String() string {
	switch v {
	case healthOK:
		return "ok"
	case healthNeverStarted:
		return "never-started"
	case healthStalled:
		return "stalled"
	case healthBroken:
		return "broken"
	case healthFrozenAfterSwitch:
		return "frozen-after-switch"
	default:
		return "unknown"
	}
}

// healthState is the orchestrator's rolling per-application history. Never
// touched by the real-time thread.
type healthState struct {
	// pendingCreate marks an application whose session creation failed; the
	// health cycle retries it.
	pendingCreate bool

	prev      session.Snapshot
	prevValid bool

	// zeroChecks counts consecutive checks that saw zero callbacks.
	zeroChecks int

	// recreations counts consecutive recreation attempts; reset on observed
	// callback activity, abandoned past the cap.
	recreations int

	// switchedAt is when the last device switch completed, for the
	// frozen-after-switch classification.
	switchedAt time.Time
}

// healthCheck runs once per health interval on the coordination goroutine:
// classify every session from its snapshot deltas and recreate the unhealthy
// ones.
func (e *Engine) healthCheck() {
	now := time.Now()
	for key, st := range e.apps {
		if st.abandoned || st.switching {
			continue
		}
		if st.sess == nil {
			if st.health.pendingCreate {
				e.recreate(key, st)
			}
			continue
		}

		// Upgrade the tap to origin-silencing once real input is flowing.
		st.sess.ConfirmCaptureIfLive()

		snap := st.sess.Diagnostics()
		h := &st.health
		if !h.prevValid {
			h.prev = snap
			h.prevValid = true
			continue
		}

		verdict := classify(h, snap, now)
		if snap.Callbacks > h.prev.Callbacks && verdict == healthOK {
			h.recreations = 0
		}
		h.prev = snap

		if verdict != healthOK {
			e.errs.HandleError(fmt.Errorf("macroute: session for %s unhealthy (%s), recreating", key, verdict))
			e.recreate(key, st)
		}
	}
}

// classify derives a verdict from the delta between two snapshots.
func classify(h *healthState, cur session.Snapshot, now time.Time) healthVerdict {
	if cur.Callbacks == 0 {
		h.zeroChecks++
		if h.zeroChecks >= 2 {
			return healthNeverStarted
		}
		return healthOK
	}
	h.zeroChecks = 0

	if cur.Callbacks == h.prev.Callbacks {
		return healthStalled
	}

	if cur.WroteOutput == 0 {
		// Muted and force-silenced callbacks write nothing on purpose; only
		// cycles with no accounted-for outcome at all indicate a broken tap.
		accounted := cur.MutedSilence + cur.ForcedSilence
		if accounted == 0 && float64(cur.EmptyInput)/float64(cur.Callbacks) < brokenEmptyRatio {
			return healthBroken
		}
	}

	if !h.switchedAt.IsZero() && now.Sub(h.switchedAt) < frozenAfterSwitchWindow {
		if h.prev.LiveInput > 0 && cur.LiveInput == h.prev.LiveInput {
			return healthFrozenAfterSwitch
		}
	}

	return healthOK
}

// recreate destroys an application's session (if any) and builds a fresh one
// on the system default device. Attempts are capped; exceeding the cap
// abandons the application. Coordination goroutine only.
func (e *Engine) recreate(key string, st *appState) {
	if st.health.recreations >= e.cfg.RecreationCap {
		e.abandon(key, st)
		return
	}
	st.health.recreations++
	st.health.prevValid = false
	st.health.zeroChecks = 0

	old := st.sess
	st.sess = nil
	st.health.pendingCreate = false

	go func() {
		if old != nil {
			if err := old.Invalidate(); err != nil {
				e.errs.HandleError(fmt.Errorf("macroute: recreating %s: %w", key, err))
			}
		}
		e.post(func() {
			cur, ok := e.apps[key]
			if !ok || cur.abandoned || cur.sess != nil {
				return
			}
			sess, err := e.createSession(cur, e.systemDefault())
			if err != nil {
				e.errs.HandleError(fmt.Errorf("macroute: recreating session for %s: %w", key, err))
				if cur.health.recreations >= e.cfg.RecreationCap {
					e.abandon(key, cur)
					return
				}
				cur.health.pendingCreate = true
				return
			}
			cur.sess = sess
		})
	}()
}

// abandon removes an application from active management, exactly once. The
// entry stays in the map so the engine neither loops on it nor recreates it
// when the application is reported again.
func (e *Engine) abandon(key string, st *appState) {
	if st.abandoned {
		return
	}
	st.abandoned = true
	st.health.pendingCreate = false
	e.detachSwitch(st)
	if st.sess != nil {
		old := st.sess
		st.sess = nil
		go func() {
			if err := old.Invalidate(); err != nil {
				e.errs.HandleError(err)
			}
		}()
	}
	e.errs.HandleError(fmt.Errorf("macroute: %s: %w", key, ErrAbandoned))
}
