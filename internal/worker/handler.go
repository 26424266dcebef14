package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

var (
	// ErrUnknownKind indicates no handler is registered for a job kind.
	ErrUnknownKind = errors.New("no handler registered for job kind")

	// ErrDuplicateKind indicates a kind was registered twice.
	ErrDuplicateKind = errors.New("handler already registered for job kind")
)

// Handler executes one job. It receives its own copy of the payload and
// must report through ch: any number of Progress calls followed by exactly
// one Succeed or Fail. Returning without a terminal report is treated as a
// crash. ctx is cancelled when the job times out or the pool shuts down.
type Handler interface {
	Handle(ctx context.Context, payload []byte, ch *Channel)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload []byte, ch *Channel)

// Handle calls f(ctx, payload, ch).
func (f HandlerFunc) Handle(ctx context.Context, payload []byte, ch *Channel) {
	f(ctx, payload, ch)
}

// Registry maps job kinds to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.JobKind]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[types.JobKind]Handler),
	}
}

// Register binds a handler to a kind.
func (r *Registry) Register(kind types.JobKind, h Handler) error {
	if kind == "" {
		return errors.New("job kind must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKind, kind)
	}
	r.handlers[kind] = h
	return nil
}

// RegisterFunc is a shorthand for Register(kind, HandlerFunc(fn)).
func (r *Registry) RegisterFunc(kind types.JobKind, fn func(ctx context.Context, payload []byte, ch *Channel)) error {
	return r.Register(kind, HandlerFunc(fn))
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind types.JobKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []types.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]types.JobKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
