package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/firmflow/engine/internal/domain"
)

// Handler performs one step's side effect. It receives the assembled step
// input (the execution input under "$input" plus one key per dependency
// holding that step's output) and returns the step output.
//
// Handlers signal failure with an error; wrap it in *domain.HandlerError to
// pick the error class explicitly, otherwise the classifier infers one.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Registry maps handler codes to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler code. Codes are bind-once: registering a code
// twice returns ErrConflict.
func (r *Registry) Register(code string, handler Handler) error {
	if code == "" {
		return fmt.Errorf("%w: handler code is required", domain.ErrBadInput)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler %q is nil", domain.ErrBadInput, code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[code]; exists {
		return fmt.Errorf("%w: handler %q already registered", domain.ErrConflict, code)
	}
	r.handlers[code] = handler
	return nil
}

// Lookup returns the handler bound to code.
func (r *Registry) Lookup(code string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[code]
	return handler, ok
}
