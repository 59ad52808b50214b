package worker

import (
	"context"
	"sync"
)

// Keeper is told to keep the host alive while a worker is live.
type Keeper interface {
	Ref()
	Unref()
}

// DefaultKeeper is the Keeper used by launchers that don't set one.
var DefaultKeeper = &RefCount{}

// RefCount is a Keeper that counts live workers.
type RefCount struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (r *RefCount) Ref() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		r.idle = make(chan struct{})
	}
	r.n++
}

func (r *RefCount) Unref() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		panic("worker: Unref without matching Ref")
	}
	r.n--
	if r.n == 0 {
		close(r.idle)
	}
}

// Count returns the number of live references.
func (r *RefCount) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Wait blocks until there are no live references or ctx is done.
func (r *RefCount) Wait(ctx context.Context) error {
	r.mu.Lock()
	if r.n == 0 {
		r.mu.Unlock()
		return nil
	}
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
