// Package workflow defines the executor surface the gateway invokes after a
// request clears authentication, authorization, rate limiting, and caching.
// Workflows register explicitly at startup; there is no runtime discovery.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when no workflow is registered under a name.
var ErrNotFound = errors.New("workflow not found")

// Workflow is a named, invokable unit with a self-described input schema.
type Workflow interface {
	Name() string
	// InputSchema returns a JSON-schema-shaped description of the input the
	// workflow accepts, served to clients for discovery.
	InputSchema() map[string]any
	Invoke(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Func adapts a plain function into a Workflow.
type Func struct {
	WorkflowName string
	Schema       map[string]any
	Fn           func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (f *Func) Name() string                { return f.WorkflowName }
func (f *Func) InputSchema() map[string]any { return f.Schema }

func (f *Func) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f.Fn(ctx, input)
}

// Registry is the registration table mapping workflow names to handlers.
// Registration happens at startup; lookups are concurrent-safe.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register adds a workflow. Registering a duplicate name is a programming
// error and returns one.
func (r *Registry) Register(w Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.Name()]; exists {
		return fmt.Errorf("workflow %q already registered", w.Name())
	}
	r.workflows[w.Name()] = w
	return nil
}

// Get returns the workflow registered under name.
func (r *Registry) Get(name string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return w, nil
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
