// Package agent models workers as an opaque execute capability. How an
// agent process is launched is outside the core's concern; the engine
// depends only on the interface.
package agent

import (
	"context"
	"fmt"
	"sync"
)

// Request carries one step invocation to an agent.
type Request struct {
	RunID        string
	InvocationID string // run id, suffixed with the instance index when fanned out
	Step         string
	Attempt      int
	Instance     int // fan-out index for parallel steps, starting at 0
	Instructions string
	Input        map[string]any
	Outputs      map[string]any // outputs of completed upstream steps
}

// Agent executes instructions against a context and produces an output.
type Agent interface {
	Execute(ctx context.Context, req Request) (any, error)
}

// Func adapts a plain function to the Agent interface.
type Func func(ctx context.Context, req Request) (any, error)

func (f Func) Execute(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// Registry resolves agent names declared in workflow steps to
// implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register binds an agent implementation to a name.
func (r *Registry) Register(name string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[name] = a
}

// Resolve returns the agent registered under a name.
func (r *Registry) Resolve(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent %q not registered", name)
	}

	return a, nil
}

// Names returns every registered agent name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}

	return names
}
