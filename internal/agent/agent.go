// Package agent defines the lifecycle contract every agent implements, the
// registry the dispatch loop resolves handlers from, and the shared
// activity logger agents record through.
package agent

import (
	"context"

	"github.com/ledgerline/agentrun/pkg/protocol"
)

// Agent is the lifecycle contract. Initialize is idempotent and moves the
// agent to Active; Shutdown cancels background work and moves it to
// Suspended; HealthCheck probes the agent's dependencies and reports
// Active or Error.
type Agent interface {
	Info() protocol.AgentInfo
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) protocol.AgentStatus
	Metrics() map[string]float64
}

// Handler processes one dispatched request and renders the reply text that
// goes back on the response stream. Each agent owns its own rendering.
type Handler interface {
	Handle(ctx context.Context, req protocol.AgentRequest) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req protocol.AgentRequest) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, req protocol.AgentRequest) (string, error) {
	return f(ctx, req)
}
