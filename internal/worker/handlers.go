package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/pulse/internal/domain"
)

// Handler runs one job. The dispatcher owns retry policy; handlers just
// return the error.
type Handler func(ctx context.Context, job *domain.Job) error

// Handlers maps job names to handler funcs. Registration happens at
// startup; MustResolve gives the fail-fast capability check for names the
// scheduler or callers rely on.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]Handler)}
}

func (h *Handlers) Register(name string, fn Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.m[name]; ok {
		return errors.Errorf("worker: handler %q already registered", name)
	}
	h.m[name] = fn
	return nil
}

func (h *Handlers) Resolve(name string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.m[name]
	return fn, ok
}

func (h *Handlers) Exists(name string) bool {
	_, ok := h.Resolve(name)
	return ok
}

// MustResolve errors when name has no handler. Called at startup for every
// declared schedule so a bad deploy fails before it enqueues anything.
func (h *Handlers) MustResolve(name string) error {
	if !h.Exists(name) {
		return errors.Errorf("worker: no handler registered for %q", name)
	}
	return nil
}
