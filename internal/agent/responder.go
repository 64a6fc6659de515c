package agent

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

// EnvelopeBus is the slice of the message bus the status responder uses.
type EnvelopeBus interface {
	ReadEnvelopes(ctx context.Context, recipient, lastID string, block time.Duration) ([]bus.EnvelopeEntry, string, error)
	RespondEnvelope(ctx context.Context, request protocol.Envelope, payload any) error
}

// StatusReport is the reply payload for an agent.status.v1 envelope.
type StatusReport struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Status    protocol.AgentStatus `json:"status"`
	Metrics   map[string]float64   `json:"metrics"`
	Timestamp time.Time            `json:"timestamp"`
}

// StatusResponder answers agent.status.v1 envelopes on each registered
// agent's point-to-point stream with the agent's live status and metrics.
type StatusResponder struct {
	bus EnvelopeBus
	reg *Registry
}

func NewStatusResponder(b EnvelopeBus, reg *Registry) *StatusResponder {
	return &StatusResponder{bus: b, reg: reg}
}

// Run serves status requests for every registered agent until ctx ends.
func (r *StatusResponder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, reg := range r.reg.All() {
		reg := reg
		g.Go(func() error {
			return r.serve(ctx, reg)
		})
	}
	return g.Wait()
}

func (r *StatusResponder) serve(ctx context.Context, reg Registration) error {
	agentID := reg.Agent.Info().ID
	// "$" skips envelopes that accumulated while the runtime was down;
	// status requests are point-in-time queries with their own timeout.
	lastID := "$"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, next, err := r.bus.ReadEnvelopes(ctx, agentID, lastID, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("status responder read failed", "agent", agentID, "error", err)
			time.Sleep(time.Second)
			continue
		}
		lastID = next
		for _, entry := range entries {
			if entry.Envelope.Protocol != protocol.ProtocolAgentStatus {
				continue
			}
			report := StatusReport{
				ID:        agentID,
				Name:      reg.Name,
				Status:    reg.Agent.HealthCheck(ctx),
				Metrics:   reg.Agent.Metrics(),
				Timestamp: time.Now().UTC(),
			}
			if err := r.bus.RespondEnvelope(ctx, entry.Envelope, report); err != nil {
				slog.Warn("status reply failed", "agent", agentID, "error", err)
			}
		}
	}
}
