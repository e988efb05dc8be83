// Package actions defines the pluggable action registry and the pipeline
// executor that runs a matched rule's ordered actions.
package actions

import (
	"context"
	"sync"

	"github.com/tidemark/settler/pkg/repositories"
)

// Result is what a handler returns for one action invocation. Output is
// merged into the pipeline context for later actions.
type Result struct {
	Success bool
	Output  map[string]any
	Message string
}

// Handler implements one action type.
type Handler interface {
	// Type is the tag rules reference this handler by.
	Type() string
	// ValidateParams checks an authored parameter payload. Called at rule
	// save time so misconfiguration fails fast, not mid-run.
	ValidateParams(params map[string]any) error
	// Execute runs the action for one item.
	Execute(ctx context.Context, actx *Context, params map[string]any) (*Result, error)
}

// Registry maps action type tags to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty action registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler, replacing any previous handler for its type
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for an action type. An unregistered type is a
// configuration error, not a crash.
func (r *Registry) Get(actionType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	if !ok {
		return nil, repositories.Configuration("action type %q is not registered", actionType)
	}
	return h, nil
}

// Types returns the registered action type tags
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
