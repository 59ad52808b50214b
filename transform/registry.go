package transform

import (
	"errors"
	"sync"

	"github.com/guseggert/peerrun/app"
)

// Registry holds the single Transformer of each app.
type Registry struct {
	mu sync.Mutex
	m  map[*app.App]*Transformer
}

var defaultRegistry = &Registry{}

// For returns the transformer of a from the default registry, creating it on first use.
func For(a *app.App, opts ...Option) (*Transformer, error) {
	return defaultRegistry.For(a, opts...)
}

// For returns the transformer of a, creating it with opts on first use.
// Options are ignored when the transformer already exists.
func (r *Registry) For(a *app.App, opts ...Option) (*Transformer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.m[a]; ok {
		return t, nil
	}
	t, err := New(a, opts...)
	if err != nil {
		return nil, err
	}
	if r.m == nil {
		r.m = map[*app.App]*Transformer{}
	}
	r.m[a] = t
	return t, nil
}

// Close closes and forgets every transformer in the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	ts := r.m
	r.m = nil
	r.mu.Unlock()

	var errs []error
	for _, t := range ts {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
