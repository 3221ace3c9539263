// Package safety keeps other applications audible when this process dies.
// Every live mix device is registered here by raw numeric ID; a crash handler
// destroys whatever is still registered, and a startup scan removes devices a
// previous instance leaked when it was killed outright.
package safety

import (
	"fmt"
	"sync/atomic"
)

// Capacity is the fixed number of registry slots. More simultaneous mix
// devices than this would mean more simultaneously-captured applications than
// the engine supports anyway.
const Capacity = 64

// Registry is a fixed-capacity set of mix-device IDs guarded by an atomic
// spinlock. No dynamic containers, no sync.Mutex: everything here must stay
// usable from the crash path, which cannot trust the heap or the scheduler.
type Registry struct {
	lock  atomic.Uint32
	slots [Capacity]uint64
	// destroy is the cross-process destruction call, installed once at
	// startup before any registration.
	destroy atomic.Pointer[func(uint64)]
}

// global is the process-wide registry the crash handler drains.
var global Registry

// Global returns the process-wide registry.
func Global() *Registry { return &global }

func (r *Registry) acquire() {
	for !r.lock.CompareAndSwap(0, 1) {
	}
}

func (r *Registry) release() { r.lock.Store(0) }

// SetDestroyFunc installs the function used to destroy a mix device by ID.
// It must be cross-process safe: the crash handler calls it after the normal
// teardown machinery is gone.
func (r *Registry) SetDestroyFunc(fn func(uint64)) {
	r.destroy.Store(&fn)
}

// Register records id. Returns an error when the registry is full or the id
// is zero; callers treat that as an activation failure and roll back.
func (r *Registry) Register(id uint64) error {
	if id == 0 {
		return fmt.Errorf("safety: refusing to register zero id")
	}
	r.acquire()
	defer r.release()
	for i := range r.slots {
		if r.slots[i] == id {
			return nil // already registered
		}
	}
	for i := range r.slots {
		if r.slots[i] == 0 {
			r.slots[i] = id
			return nil
		}
	}
	return fmt.Errorf("safety: registry full (%d slots)", Capacity)
}

// Unregister removes id before normal destruction. Unknown IDs are a no-op.
func (r *Registry) Unregister(id uint64) {
	r.acquire()
	defer r.release()
	for i := range r.slots {
		if r.slots[i] == id {
			r.slots[i] = 0
			return
		}
	}
}

// Count returns the number of registered IDs.
func (r *Registry) Count() int {
	r.acquire()
	defer r.release()
	n := 0
	for _, s := range r.slots {
		if s != 0 {
			n++
		}
	}
	return n
}

// DestroyAll destroys every still-registered mix device through the installed
// destroy function and clears the registry. Called from the crash path and
// from final shutdown.
func (r *Registry) DestroyAll() {
	fnp := r.destroy.Load()
	r.acquire()
	var ids [Capacity]uint64
	n := 0
	for i := range r.slots {
		if r.slots[i] != 0 {
			ids[n] = r.slots[i]
			n++
			r.slots[i] = 0
		}
	}
	r.release()
	if fnp == nil {
		return
	}
	fn := *fnp
	for i := 0; i < n; i++ {
		fn(ids[i])
	}
}
