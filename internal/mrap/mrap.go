// Package mrap implements the Monitor-Reason-Act-Reflect execution loop
// agents run for each request. The engine owns phase ordering, timestamps,
// and risk gating; agents supply the phase logic through the Loop interface.
package mrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/agentrun/internal/tracing"
)

// Phase names a stage of the loop. Values appear verbatim in serialized
// state and activity payloads.
type Phase string

const (
	PhaseMonitoring Phase = "Monitoring"
	PhaseReasoning  Phase = "Reasoning"
	PhaseActing     Phase = "Acting"
	PhaseReflecting Phase = "Reflecting"
	PhaseComplete   Phase = "Complete"
)

// RiskLevel grades a decision before it is acted on.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// ReasoningResult is the outcome of the Reason phase.
type ReasoningResult struct {
	Decision       string    `json:"decision"`
	Confidence     float32   `json:"confidence"`
	Alternatives   []string  `json:"alternatives"`
	RiskAssessment RiskLevel `json:"risk_assessment"`
}

// ActionRecord is the outcome of the Act phase. Result carries the
// action's payload verbatim so callers can extract typed responses.
type ActionRecord struct {
	Action     string          `json:"action"`
	Parameters map[string]any  `json:"parameters"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
}

// State is the record of one loop execution. It is built fresh per run and
// never reused; a failed run returns an error instead of partial state.
type State struct {
	CurrentPhase       Phase            `json:"current_phase"`
	MonitorData        map[string]any   `json:"monitor_data"`
	ReasoningResult    *ReasoningResult `json:"reasoning_result,omitempty"`
	ActionTaken        *ActionRecord    `json:"action_taken,omitempty"`
	ReflectionInsights []string         `json:"reflection_insights"`
	StartedAt          time.Time        `json:"started_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// Loop is implemented by agents. Each phase may emit its own activity
// entries; the engine only logs phase starts and stamps the state.
type Loop interface {
	// Monitor gathers the data the decision will be based on.
	Monitor(ctx context.Context) (map[string]any, error)

	// Reason analyzes monitor data and produces a decision.
	Reason(ctx context.Context, monitorData map[string]any) (*ReasoningResult, error)

	// Act executes the decision.
	Act(ctx context.Context, reasoning *ReasoningResult) (*ActionRecord, error)

	// Reflect learns from the completed action. It sees the state with
	// monitor data, reasoning, and action already recorded.
	Reflect(ctx context.Context, state *State) ([]string, error)
}

// Engine runs Loops. The zero value is usable; attach a Tracer to record
// one span per phase plus a root span for the run.
type Engine struct {
	Tracer        *tracing.Collector
	AgentType     string
	CorrelationID string
}

// Run executes one full Monitor-Reason-Act-Reflect cycle. Any phase error
// aborts the run immediately and the returned error names the phase. A
// Critical risk assessment logs a warning but does not abort.
func (e *Engine) Run(ctx context.Context, loop Loop) (*State, error) {
	traceID := uuid.New()
	state := &State{
		CurrentPhase:       PhaseMonitoring,
		MonitorData:        map[string]any{},
		ReflectionInsights: []string{},
		StartedAt:          time.Now().UTC(),
	}

	rootFinish := e.span(traceID, traceID, "mrap.run")

	slog.Info("MRAP: Starting Monitor phase")
	finish := e.span(traceID, uuid.New(), "mrap.monitor")
	monitorData, err := loop.Monitor(ctx)
	finish(err)
	if err != nil {
		rootFinish(err)
		return nil, fmt.Errorf("monitor phase: %w", err)
	}
	state.MonitorData = monitorData

	slog.Info("MRAP: Starting Reason phase")
	state.CurrentPhase = PhaseReasoning
	finish = e.span(traceID, uuid.New(), "mrap.reason")
	reasoning, err := loop.Reason(ctx, state.MonitorData)
	if err == nil && reasoning == nil {
		err = errors.New("no reasoning result")
	}
	finish(err)
	if err != nil {
		rootFinish(err)
		return nil, fmt.Errorf("reason phase: %w", err)
	}
	state.ReasoningResult = reasoning

	if reasoning.RiskAssessment == RiskCritical {
		slog.Warn("MRAP: Critical risk detected, requiring human approval")
	}

	slog.Info("MRAP: Starting Act phase")
	state.CurrentPhase = PhaseActing
	finish = e.span(traceID, uuid.New(), "mrap.act")
	action, err := loop.Act(ctx, reasoning)
	finish(err)
	if err != nil {
		rootFinish(err)
		return nil, fmt.Errorf("act phase: %w", err)
	}
	state.ActionTaken = action

	slog.Info("MRAP: Starting Reflect phase")
	state.CurrentPhase = PhaseReflecting
	finish = e.span(traceID, uuid.New(), "mrap.reflect")
	insights, err := loop.Reflect(ctx, state)
	finish(err)
	if err != nil {
		rootFinish(err)
		return nil, fmt.Errorf("reflect phase: %w", err)
	}
	state.ReflectionInsights = insights

	state.CurrentPhase = PhaseComplete
	completed := time.Now().UTC()
	state.CompletedAt = &completed

	rootFinish(nil)
	slog.Info("MRAP: Loop complete", "insights", len(state.ReflectionInsights))
	return state, nil
}

// span starts a phase span and returns its finish func. No-op when no
// tracer is attached.
func (e *Engine) span(traceID, id uuid.UUID, name string) func(error) {
	if e.Tracer == nil {
		return func(error) {}
	}
	span := tracing.Span{
		ID:            id,
		TraceID:       traceID,
		Name:          name,
		AgentType:     e.AgentType,
		CorrelationID: e.CorrelationID,
		StartTime:     time.Now().UTC(),
	}
	return func(err error) {
		span.EndTime = time.Now().UTC()
		span.DurationMS = span.EndTime.Sub(span.StartTime).Milliseconds()
		if err != nil {
			span.Status = tracing.StatusError
			span.Error = err.Error()
		} else {
			span.Status = tracing.StatusOK
		}
		e.Tracer.EmitSpan(span)
	}
}
