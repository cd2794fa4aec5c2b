package scheduler

import (
	"context"
	"fmt"
	"sync"

	"fundval-scheduler/internal/models"
)

// Mux routes jobs to the handler registered for their kind.
type Mux struct {
	mu       sync.RWMutex
	handlers map[models.Kind]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[models.Kind]Handler)}
}

// Register binds a handler to a kind. Nil handlers are ignored.
func (m *Mux) Register(kind models.Kind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = handler
}

// Handle dispatches job; unregistered kinds fail the attempt.
func (m *Mux) Handle(ctx context.Context, job models.Job) error {
	m.mu.RLock()
	handler, ok := m.handlers[job.Kind]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", job.Kind)
	}
	return handler(ctx, job)
}
