package agent

import (
	"fmt"
	"sync"
)

// Registration binds a dispatchable agent type to its handler and
// lifecycle hooks.
type Registration struct {
	Type    string // agent_type value on the request stream
	Name    string // display name used in dispatch error text
	Handler Handler
	Agent   Agent
}

// Registry maps agent types to registrations. Registration order is
// preserved so startup and shutdown run in a fixed sequence.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a registration, replacing any previous one for the type.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[reg.Type]; !ok {
		r.order = append(r.order, reg.Type)
	}
	r.entries[reg.Type] = reg
}

// Resolve returns the registration for an agent type.
func (r *Registry) Resolve(agentType string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[agentType]
	if !ok {
		return Registration{}, fmt.Errorf("agent not found: %s", agentType)
	}
	return reg, nil
}

// Types returns the registered agent types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, len(r.order))
	copy(types, r.order)
	return types
}

// All returns every registration in registration order.
func (r *Registry) All() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := make([]Registration, 0, len(r.order))
	for _, t := range r.order {
		regs = append(regs, r.entries[t])
	}
	return regs
}
