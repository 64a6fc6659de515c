// Package dispatch binds the request stream to agent instances. One loop
// tails the stream from a plain cursor, resolves each request's agent type
// through the registry, and appends exactly one response per request id.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ledgerline/agentrun/internal/agent"
	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/internal/tracing"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

const (
	// dedupeSize and dedupeTTL bound the seen-request set. Within the TTL a
	// request id yields at most one response even if the cursor replays it.
	dedupeSize = 4096
	dedupeTTL  = 5 * time.Minute
)

// Bus is the slice of the message bus the loop reads and writes.
type Bus interface {
	ReadRequests(ctx context.Context, lastID string, block time.Duration) ([]bus.Entry, string, error)
	AppendResponse(ctx context.Context, resp protocol.AgentResponse) (string, error)
}

// Loop is the dispatch loop. It is the request stream's single consumer;
// the cursor is in-memory only, so entries read before a crash are not
// redelivered.
type Loop struct {
	bus      Bus
	registry *agent.Registry
	tracer   *tracing.Collector

	block time.Duration // XREAD block per read
	sleep time.Duration // pause between iterations, data or not

	seen *expirable.LRU[string, struct{}]
}

// New builds a dispatch loop over the given registry.
func New(b Bus, registry *agent.Registry, tracer *tracing.Collector, block, sleep time.Duration) *Loop {
	return &Loop{
		bus:      b,
		registry: registry,
		tracer:   tracer,
		block:    block,
		sleep:    sleep,
		seen:     expirable.NewLRU[string, struct{}](dedupeSize, nil, dedupeTTL),
	}
}

// Run tails the request stream until ctx ends. Read failures and bad
// entries are logged and retried; the loop never exits on them.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("dispatch loop started", "stream", protocol.StreamRequests, "agents", l.registry.Types())

	lastID := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, next, err := l.bus.ReadRequests(ctx, lastID, l.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("request read failed", "error", err)
		} else {
			lastID = next
			for _, entry := range entries {
				l.handleEntry(ctx, entry)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.sleep):
		}
	}
}

func (l *Loop) handleEntry(ctx context.Context, entry bus.Entry) {
	var req protocol.AgentRequest
	if err := json.Unmarshal(entry.Data, &req); err != nil {
		slog.Warn("undecodable request skipped", "entry_id", entry.ID, "error", err)
		return
	}
	if req.RequestID == "" {
		slog.Warn("request without id skipped", "entry_id", entry.ID)
		return
	}
	if _, dup := l.seen.Get(req.RequestID); dup {
		slog.Debug("duplicate request skipped", "request_id", req.RequestID)
		return
	}
	l.seen.Add(req.RequestID, struct{}{})

	slog.Info("dispatching request", "request_id", req.RequestID, "agent_type", req.AgentType)

	finish := l.span(req)
	text, success := l.process(ctx, req)
	if success {
		finish(nil)
	} else {
		finish(fmt.Errorf("%s", text))
	}

	resp := protocol.AgentResponse{
		RequestID: req.RequestID,
		AgentType: req.AgentType,
		Response:  text,
		Success:   success,
		Timestamp: time.Now().UTC(),
	}
	if _, err := l.bus.AppendResponse(ctx, resp); err != nil {
		slog.Error("response append failed", "request_id", req.RequestID, "error", err)
	}
}

// process resolves and runs the request's handler. The outcome is typed: an
// unresolved type or a handler error maps to success=false with benign
// reply text, so every request still yields a response.
func (l *Loop) process(ctx context.Context, req protocol.AgentRequest) (string, bool) {
	reg, err := l.registry.Resolve(req.AgentType)
	if err != nil {
		slog.Warn("unknown agent type", "agent_type", req.AgentType, "request_id", req.RequestID)
		return fmt.Sprintf("%s not initialized", req.AgentType), false
	}

	text, err := reg.Handler.Handle(ctx, req)
	if err != nil {
		slog.Error("agent handler failed", "agent_type", req.AgentType, "request_id", req.RequestID, "error", err)
		return fmt.Sprintf("%s error: %v", reg.Name, err), false
	}
	return text, true
}

// span starts the per-request span and returns its finish func. No-op
// without a tracer.
func (l *Loop) span(req protocol.AgentRequest) func(error) {
	if l.tracer == nil {
		return func(error) {}
	}
	span := tracing.Span{
		ID:        uuid.New(),
		Name:      "dispatch.request",
		AgentType: req.AgentType,
		RequestID: req.RequestID,
		StartTime: time.Now().UTC(),
	}
	span.TraceID = span.ID
	return func(err error) {
		span.EndTime = time.Now().UTC()
		span.DurationMS = span.EndTime.Sub(span.StartTime).Milliseconds()
		if err != nil {
			span.Status = tracing.StatusError
			span.Error = err.Error()
		} else {
			span.Status = tracing.StatusOK
		}
		l.tracer.EmitSpan(span)
	}
}
