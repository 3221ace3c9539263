package session

import (
	"fmt"
	"sync"

	"github.com/shaban/macroute/hal"
	"github.com/shaban/macroute/safety"
)

// resources wraps the session's native handles and enforces strict teardown
// ordering. Destruction must stop the IO callback and confirm its cessation
// before any handle is released; the mix device is unregistered from the
// crash registry only once its destruction is imminent, never earlier.
type resources struct {
	mu sync.Mutex

	tap        hal.TapHandle
	mix        hal.MixHandle
	reg        *safety.Registry
	registered bool
	started    bool
	dead       bool
}

// invalidated reports whether teardown has already run; a session is never
// reactivated after that.
func (r *resources) invalidated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead
}

// live reports whether any native resource is currently held.
func (r *resources) live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dead && (r.tap != nil || r.mix != nil)
}

// teardown releases whatever has been acquired, in reverse acquisition
// order. It tolerates partial state so the activation chain can call it at
// any step. Errors are collected but do not stop the sequence: a failed stop
// must not leak the tap behind it.
func (r *resources) teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return nil
	}

	var firstErr error
	record := func(err error, what string) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("session: %s: %w", what, err)
		}
	}

	if r.mix != nil {
		if r.started {
			// Stop returns only after the callback has ceased; destroying
			// the device mid-callback is never safe.
			record(r.mix.Stop(), "stopping mix device")
			r.started = false
		}
		if r.registered && r.reg != nil {
			r.reg.Unregister(uint64(r.mix.ID()))
			r.registered = false
		}
		record(r.mix.Destroy(), "destroying mix device")
		r.mix = nil
	}
	if r.tap != nil {
		record(r.tap.Destroy(), "destroying tap")
		r.tap = nil
	}
	r.dead = true
	return firstErr
}
