package worker

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrAlreadyRegistered is returned by Registry.Start when the name is taken.
// The existing worker is returned alongside it, so callers can either treat
// the collision as a hard failure or adopt the live handle.
var ErrAlreadyRegistered = errors.New("worker name already registered")

// ErrNotRegistered is returned when no worker exists under the given name.
var ErrNotRegistered = errors.New("no worker registered under name")

// Registry maps names to live workers. Registration is explicit: a worker is
// only reachable by name if it was started through a registry, and each
// registry is independent.
type Registry struct {
	log *zap.SugaredLogger

	mut     sync.Mutex
	workers map[string]*Worker
}

type RegistryOption func(r *Registry)

func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = l.Named("registry").Sugar()
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:     defaultLogger.Named("registry"),
		workers: map[string]*Worker{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start constructs a worker holding message and registers it under name.
// On a name collision no second worker is created; the existing worker is
// returned together with ErrAlreadyRegistered.
func (r *Registry) Start(name, message string, opts ...Option) (*Worker, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if existing, ok := r.workers[name]; ok {
		r.log.Debugw("start collision, returning existing worker", "Name", name, "WorkerID", existing.ID())
		return existing, ErrAlreadyRegistered
	}
	w := New(message, opts...)
	r.workers[name] = w
	r.log.Infow("started worker", "Name", name, "WorkerID", w.ID())
	return w, nil
}

// Lookup returns the worker registered under name, if any.
func (r *Registry) Lookup(name string) (*Worker, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	w, ok := r.workers[name]
	return w, ok
}

// Stop stops the named worker and removes it from the registry, freeing the
// name for reuse.
func (r *Registry) Stop(name string) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	w, ok := r.workers[name]
	if !ok {
		return ErrNotRegistered
	}
	w.Stop()
	delete(r.workers, name)
	r.log.Infow("stopped worker", "Name", name, "WorkerID", w.ID())
	return nil
}

// StopAll stops every registered worker and empties the registry.
func (r *Registry) StopAll() {
	r.mut.Lock()
	defer r.mut.Unlock()
	for name, w := range r.workers {
		w.Stop()
		delete(r.workers, name)
	}
}
