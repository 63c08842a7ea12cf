// Package worker runs pipeline agents against kernel instructions. The
// worker is stateless between turns: every routing decision, retry, bound,
// and interrupt comes from the kernel, and the worker only executes what it
// is told and reports what happened.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kestrelflow/kestrel/envelope"
)

// Agent executes one pipeline stage. Implementations read the envelope and
// return their output map; they never route or terminate.
type Agent interface {
	Process(ctx context.Context, env *envelope.Envelope) (map[string]any, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, env *envelope.Envelope) (map[string]any, error)

func (f AgentFunc) Process(ctx context.Context, env *envelope.Envelope) (map[string]any, error) {
	return f(ctx, env)
}

// Registry holds the agents a worker can execute, keyed by stage name.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register binds an agent to a stage name, replacing any previous binding.
func (r *Registry) Register(name string, agent Agent) error {
	if name == "" {
		return fmt.Errorf("agent name must not be empty")
	}
	if agent == nil {
		return fmt.Errorf("agent %q must not be nil", name)
	}
	r.mu.Lock()
	r.agents[name] = agent
	r.mu.Unlock()
	return nil
}

// RegisterFunc binds a function as an agent.
func (r *Registry) RegisterFunc(name string, fn AgentFunc) error {
	return r.Register(name, fn)
}

// Resolve looks an agent up by stage name.
func (r *Registry) Resolve(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[name]
	return agent, ok
}

// Names lists registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
