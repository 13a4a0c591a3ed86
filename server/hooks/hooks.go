// Package hooks holds ordered handler chains that run while a message is
// being queued.
//
// A Registry is built at startup, handlers are registered, and then it is
// frozen. After Freeze the registry is read only and may be shared by all
// workers.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/pkg/metrics"
	"github.com/migadu/mailflow/server"
)

// Phase names a point in the queueing pipeline.
type Phase string

const (
	// PhaseStore runs before the body is persisted. Handlers see the
	// unconsumed body and may replace Payload.Body with a wrapping reader.
	PhaseStore Phase = "message:store"
	// PhaseQueue runs after the body is stored and before deliveries are
	// inserted.
	PhaseQueue Phase = "message:queue"
)

// Payload is the mutable part handed to a handler.
type Payload struct {
	Body   io.Reader // set for PhaseStore
	BlobID string    // set for PhaseQueue
	Size   int64     // set for PhaseQueue
}

// Handler processes a message in a phase. A non-nil error stops the chain.
type Handler func(ctx context.Context, envelope *server.Envelope, payload *Payload) error

type entry struct {
	name    string
	handler Handler
}

// VetoError is returned by Run when a handler rejects a message.
type VetoError struct {
	Phase Phase
	Hook  string
	Err   error
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("%s hook %q: %v", e.Phase, e.Hook, e.Err)
}

func (e *VetoError) Unwrap() []error {
	return []error{consts.ErrHookVeto, e.Err}
}

// Registry is a set of handler chains keyed by phase.
type Registry struct {
	mu     sync.RWMutex
	chains map[Phase][]entry
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[Phase][]entry)}
}

// Register appends a handler to the chain of a phase.
func (r *Registry) Register(phase Phase, name string, h Handler) error {
	if h == nil {
		return errors.New("hooks: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %s hook %q: %w", phase, name, consts.ErrRegistryFrozen)
	}
	r.chains[phase] = append(r.chains[phase], entry{name: name, handler: h})
	return nil
}

// Freeze makes the registry read only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Len returns the number of handlers registered for a phase.
func (r *Registry) Len(phase Phase) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chains[phase])
}

// Run calls the handlers of a phase in registration order. The first error
// stops the chain and is returned as a *VetoError. A nil registry runs
// nothing.
func (r *Registry) Run(ctx context.Context, phase Phase, envelope *server.Envelope, payload *Payload) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	chain := r.chains[phase]
	r.mu.RUnlock()

	for _, e := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.handler(ctx, envelope, payload); err != nil {
			metrics.HookVetoes.WithLabelValues(string(phase)).Inc()
			return &VetoError{Phase: phase, Hook: e.name, Err: err}
		}
	}
	return nil
}
