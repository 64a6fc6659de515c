// Package security implements the security log query agent. Each request
// runs one full Monitor-Reason-Act-Reflect cycle: inspect list depths,
// parse the free-text query into a filter, fetch matching entries, then
// record insights and learned query patterns.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/agentrun/internal/agent"
	"github.com/ledgerline/agentrun/internal/mrap"
	"github.com/ledgerline/agentrun/internal/ring"
	"github.com/ledgerline/agentrun/internal/tracing"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

// AgentType is the dispatch routing key for this agent.
const AgentType = "security-agent"

const (
	agentID     = "security-agent-001"
	displayLogs = 50  // entries carried in the response payload
	renderLogs  = 10  // entries rendered into the reply text
	historyCap  = 100 // recent queries kept for learning
)

// Bus is the slice of the message bus this agent reads logs through.
type Bus interface {
	Probe(ctx context.Context) error
	LogDepth(ctx context.Context, key string) (int64, error)
	RecentLogs(ctx context.Context, key string, n int64) ([]string, error)
}

// Agent is the security log query agent.
type Agent struct {
	bus      Bus
	activity *agent.ActivityLogger
	tracer   *tracing.Collector

	mu               sync.Mutex
	info             protocol.AgentInfo
	queryHistory     *ring.Buffer[string]
	learnedPatterns  map[string]float64
	queriesProcessed int
}

// New builds the agent in the Initializing state.
func New(b Bus, sink agent.ActivitySink, tracer *tracing.Collector) *Agent {
	info := protocol.AgentInfo{
		ID:               agentID,
		Name:             "Security Monitor",
		CognitivePattern: protocol.PatternCritical,
		Capabilities: []protocol.Capability{
			{Protocol: "security.logs.query.v1", Version: "1.0.0", Description: "Query and analyze security logs"},
			{Protocol: "security.monitor.v1", Version: "1.0.0", Description: "Monitor security events"},
		},
		ResourceLimits: protocol.DefaultResourceLimits(),
		CreatedAt:      time.Now().UTC(),
		Status:         protocol.StatusInitializing,
	}
	return &Agent{
		bus:             b,
		activity:        agent.NewActivityLogger(sink, agentID, AgentType),
		tracer:          tracer,
		info:            info,
		queryHistory:    ring.New[string](historyCap),
		learnedPatterns: map[string]float64{},
	}
}

// Info returns the agent's descriptor with its live status.
func (a *Agent) Info() protocol.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Initialize moves the agent to Active and records the startup activity.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	a.info.Status = protocol.StatusActive
	pattern := a.info.CognitivePattern
	capCount := len(a.info.Capabilities)
	a.mu.Unlock()

	slog.Info("security agent initialized", "cognitive_pattern", string(pattern))
	a.activity.Log(ctx, protocol.ActivityInitialized, map[string]any{
		"cognitive_pattern":  string(pattern),
		"capabilities_count": capCount,
	})
	return nil
}

// Shutdown moves the agent to Suspended.
func (a *Agent) Shutdown(context.Context) error {
	a.mu.Lock()
	a.info.Status = protocol.StatusSuspended
	a.mu.Unlock()
	slog.Info("security agent shutting down")
	return nil
}

// HealthCheck probes the bus connection.
func (a *Agent) HealthCheck(ctx context.Context) protocol.AgentStatus {
	if err := a.bus.Probe(ctx); err != nil {
		return protocol.StatusError("Redis connection failed")
	}
	return protocol.StatusActive
}

// Metrics reports processed query and learned pattern counts.
func (a *Agent) Metrics() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]float64{
		"queries_processed": float64(a.queriesProcessed),
		"patterns_learned":  float64(len(a.learnedPatterns)),
	}
}

// Handle processes one dispatched request and renders the reply text.
func (a *Agent) Handle(ctx context.Context, req protocol.AgentRequest) (string, error) {
	response, err := a.ProcessQuery(ctx, req.Message)
	if err != nil {
		return "", err
	}
	return renderResponse(response), nil
}

// ProcessQuery answers one natural-language log query. All activities of
// the execution share one fresh correlation id.
func (a *Agent) ProcessQuery(ctx context.Context, query string) (QueryResponse, error) {
	correlationID := uuid.NewString()

	a.activity.LogCorrelated(ctx, protocol.ActivityProcessStarted, map[string]any{
		"process_name": "log_query",
		"query":        query,
	}, correlationID)

	state, err := a.runQueryLoop(ctx, query, correlationID)
	if err != nil {
		return QueryResponse{}, err
	}

	success := state.ActionTaken != nil && state.ActionTaken.Success
	a.activity.LogCorrelated(ctx, protocol.ActivityProcessCompleted, map[string]any{
		"process_name": "log_query",
		"success":      success,
	}, correlationID)

	if state.ActionTaken != nil && len(state.ActionTaken.Result) > 0 {
		var response QueryResponse
		if err := json.Unmarshal(state.ActionTaken.Result, &response); err == nil {
			response.Insights = state.ReflectionInsights
			return response, nil
		}
	}

	return QueryResponse{
		Summary:  "No logs found matching your query.",
		Logs:     []LogRecord{},
		Insights: state.ReflectionInsights,
	}, nil
}

func (a *Agent) runQueryLoop(ctx context.Context, query, correlationID string) (*mrap.State, error) {
	a.mu.Lock()
	a.queriesProcessed++
	a.queryHistory.Append(query)
	pattern := a.info.CognitivePattern
	a.mu.Unlock()

	a.activity.LogCorrelated(ctx, protocol.ActivityMrapStarted, map[string]any{
		"query":             query,
		"cognitive_pattern": string(pattern),
	}, correlationID)

	engine := &mrap.Engine{Tracer: a.tracer, AgentType: AgentType, CorrelationID: correlationID}
	state, err := engine.Run(ctx, &queryLoop{agent: a, query: query, correlationID: correlationID})
	if err != nil {
		return nil, err
	}

	success := state.ActionTaken != nil && state.ActionTaken.Success
	a.activity.LogCorrelated(ctx, protocol.ActivityMrapCompleted, map[string]any{
		"success":     success,
		"duration_ms": time.Since(state.StartedAt).Milliseconds(),
	}, correlationID)
	return state, nil
}

func (a *Agent) recordPattern(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.learnedPatterns[key] += 1.0
}

// listDepth reads one list length, treating errors as empty so a bus
// hiccup degrades the monitor snapshot instead of failing the query.
func (a *Agent) listDepth(ctx context.Context, key string) int64 {
	depth, err := a.bus.LogDepth(ctx, key)
	if err != nil {
		slog.Debug("log depth probe failed", "key", key, "error", err)
		return 0
	}
	return depth
}

func renderResponse(response QueryResponse) string {
	var b strings.Builder
	b.WriteString(response.Summary)

	if len(response.Insights) > 0 {
		b.WriteString("\n\n**Insights:**\n")
		for _, insight := range response.Insights {
			fmt.Fprintf(&b, "• %s\n", insight)
		}
	}

	if len(response.Logs) > 0 {
		b.WriteString("\n\n**Recent Logs:**\n```\n")
		for i, log := range response.Logs {
			if i >= renderLogs {
				break
			}
			fmt.Fprintf(&b, "%3d. [%-5s] %s - %s\n", i+1, log.Level, log.Category, log.Message)
		}
		b.WriteString("```")
	}
	return b.String()
}
