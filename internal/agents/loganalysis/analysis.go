// Package loganalysis implements the log streaming coordination agent. It
// never reads log storage itself: streaming and filter commands are
// acknowledged with coordination summaries, a streaming start pushes a
// marker record onto the response stream for the logs panel, and actual
// log access is left to the security and log display agents.
package loganalysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/agentrun/internal/agent"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

// AgentType is the dispatch routing key for this agent.
const AgentType = "log-analysis-agent"

const (
	agentID = "log-analysis-agent-001"

	// activityAgentType labels this agent's activity records. It is the
	// short form, not the dispatch key.
	activityAgentType = "log-analysis"

	renderLogs = 20 // entries rendered into the reply text
)

// Response is the coordination result returned to the caller.
type Response struct {
	Summary       string    `json:"summary"`
	Logs          []LogLine `json:"logs"`
	TotalCount    int       `json:"total_count"`
	Insights      []string  `json:"insights"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// LogLine is one display-ready entry inside a Response.
type LogLine struct {
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// Bus is the slice of the message bus this agent writes through.
type Bus interface {
	Probe(ctx context.Context) error
	AppendStreamData(ctx context.Context, data protocol.StreamData) (string, error)
}

// Agent is the log streaming coordination agent.
type Agent struct {
	bus      Bus
	activity *agent.ActivityLogger

	mu       sync.Mutex
	info     protocol.AgentInfo
	sessions map[string]time.Time
}

// New builds the agent in the Initializing state.
func New(b Bus, sink agent.ActivitySink) *Agent {
	info := protocol.AgentInfo{
		ID:               agentID,
		Name:             "Log Analysis & Streaming Agent",
		CognitivePattern: protocol.PatternCritical,
		Capabilities: []protocol.Capability{
			{Protocol: "log_streaming.v1", Version: "1.0.0", Description: "Real-time log streaming coordination"},
			{Protocol: "log_filtering.v1", Version: "1.0.0", Description: "Advanced log filtering and analysis"},
		},
		ResourceLimits: protocol.DefaultResourceLimits(),
		CreatedAt:      time.Now().UTC(),
		Status:         protocol.StatusInitializing,
	}
	return &Agent{
		bus:      b,
		activity: agent.NewActivityLogger(sink, agentID, activityAgentType),
		info:     info,
		sessions: map[string]time.Time{},
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
	capCount := len(a.info.Capabilities)
	a.mu.Unlock()

	slog.Info("log analysis agent initialized", "agent_id", agentID)
	a.activity.LogCorrelated(ctx, protocol.ActivityInitialized, map[string]any{
		"agent_id":           agentID,
		"capabilities_count": capCount,
	}, uuid.NewString())
	return nil
}

// Shutdown moves the agent to Suspended.
func (a *Agent) Shutdown(context.Context) error {
	a.mu.Lock()
	a.info.Status = protocol.StatusSuspended
	a.mu.Unlock()
	slog.Info("log analysis agent shutting down")
	return nil
}

// HealthCheck probes the bus connection.
func (a *Agent) HealthCheck(ctx context.Context) protocol.AgentStatus {
	if err := a.bus.Probe(ctx); err != nil {
		return protocol.StatusError("Redis connection failed")
	}
	return protocol.StatusActive
}

// Metrics reports tracked streaming sessions and the capability count.
func (a *Agent) Metrics() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]float64{
		"active_streams":     float64(len(a.sessions)),
		"capabilities_count": float64(len(a.info.Capabilities)),
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

// ProcessQuery runs one coordination cycle for a streaming, filter, or log
// access command. All activities of the execution share one fresh
// correlation id.
func (a *Agent) ProcessQuery(ctx context.Context, query string) (Response, error) {
	correlationID := uuid.NewString()

	a.activity.LogCorrelated(ctx, protocol.ActivityMrapStarted, map[string]any{
		"query": query,
	}, correlationID)

	response, err := a.executeAction(ctx, query, correlationID)
	if err != nil {
		return Response{}, err
	}

	a.activity.LogCorrelated(ctx, protocol.ActivityActionTaken, map[string]any{
		"action": "query_processed",
	}, correlationID)

	return response, nil
}

func (a *Agent) executeAction(ctx context.Context, query, correlationID string) (Response, error) {
	lower := strings.ToLower(query)

	switch {
	case containsAny(lower, "streaming", "stream"):
		switch {
		case containsAny(lower, "start", "show"):
			return a.startStreaming(ctx, query, correlationID)
		case containsAny(lower, "stop", "end"):
			return a.stopStreaming(ctx, correlationID), nil
		default:
			return a.streamingStatus(correlationID), nil
		}
	case strings.Contains(lower, "filter"):
		return a.applyFilters(ctx, query, correlationID), nil
	default:
		return a.coordinationReady(ctx, query, correlationID), nil
	}
}

// startStreaming tracks a new session under the execution's correlation id
// and announces it on the response stream so the bridge relays an initial
// frame to the logs panel.
func (a *Agent) startStreaming(ctx context.Context, query, correlationID string) (Response, error) {
	a.activity.LogCorrelated(ctx, protocol.CustomActivity("StreamingStarted"), map[string]any{
		"query":  query,
		"action": "start_streaming",
	}, correlationID)

	now := time.Now().UTC()
	_, err := a.bus.AppendStreamData(ctx, protocol.StreamData{
		RequestID:    correlationID,
		AgentType:    AgentType,
		ResponseType: protocol.ResponseTypeLogStream,
		Timestamp:    now,
		Logs: []protocol.StreamLogRecord{{
			ID:            uuid.NewString(),
			Timestamp:     now,
			Level:         "info",
			Service:       AgentType,
			Category:      "Stream",
			Message:       "Log streaming session started",
			CorrelationID: correlationID,
			StreamType:    "realtime",
		}},
	})
	if err != nil {
		return Response{}, fmt.Errorf("announce stream start: %w", err)
	}

	a.mu.Lock()
	a.sessions[correlationID] = now
	a.mu.Unlock()

	slog.Info("📡 Log Analysis Agent: Streaming via agent message bus", "correlation_id", correlationID)

	return Response{
		Summary: "✅ Log streaming started",
		Insights: []string{
			"Real-time logs now streaming to logs panel",
			"Use filter commands to refine display",
		},
		CorrelationID: correlationID,
	}, nil
}

// stopStreaming drops every tracked session. Stop commands carry no
// session id, so a stop ends them all.
func (a *Agent) stopStreaming(ctx context.Context, correlationID string) Response {
	a.activity.LogCorrelated(ctx, protocol.CustomActivity("StreamingStopped"), map[string]any{
		"action": "stop_streaming",
	}, correlationID)

	a.mu.Lock()
	a.sessions = map[string]time.Time{}
	a.mu.Unlock()

	return Response{
		Summary:       "🔄 Log streaming stopped.",
		Insights:      []string{"Streaming session ended"},
		CorrelationID: correlationID,
	}
}

func (a *Agent) streamingStatus(correlationID string) Response {
	a.mu.Lock()
	active := len(a.sessions)
	a.mu.Unlock()

	return Response{
		Summary: "📊 Log Analysis Agent streaming status",
		Insights: []string{
			fmt.Sprintf("Active streams: %d", active),
			"Log Analysis Agent operational",
		},
		CorrelationID: correlationID,
	}
}

func (a *Agent) applyFilters(ctx context.Context, query, correlationID string) Response {
	a.activity.LogCorrelated(ctx, protocol.CustomActivity("FilterApplied"), map[string]any{
		"query":  query,
		"action": "apply_filters",
	}, correlationID)

	return Response{
		Summary: "🔍 Log filters applied by Log Analysis Agent",
		Insights: []string{
			"Filter parsing completed",
			"Ready to coordinate with Security Agent",
		},
		CorrelationID: correlationID,
	}
}

func (a *Agent) coordinationReady(ctx context.Context, query, correlationID string) Response {
	a.activity.LogCorrelated(ctx, protocol.CustomActivity("LogsRequested"), map[string]any{
		"query":  query,
		"action": "get_logs",
	}, correlationID)

	return Response{
		Summary: "📋 Log Analysis Agent ready for log coordination with Security Agent",
		Insights: []string{
			"Log Analysis Agent operational",
			"Ready to coordinate with Security Agent for log access",
			"Use 'start streaming logs' for real-time monitoring",
		},
		CorrelationID: correlationID,
	}
}

// renderResponse formats the reply text sent back through the dispatcher.
func renderResponse(response Response) string {
	var b strings.Builder
	b.WriteString(response.Summary)

	if len(response.Insights) > 0 {
		b.WriteString("\n\n**Insights:**\n")
		for _, insight := range response.Insights {
			fmt.Fprintf(&b, "• %s\n", insight)
		}
	}

	if len(response.Logs) > 0 {
		b.WriteString("\n\n**Logs:**\n")
		for i, line := range response.Logs {
			if i >= renderLogs {
				break
			}
			fmt.Fprintf(&b, "%2d. [%s] %s - %s\n", i+1, line.Level, line.Service, line.Message)
		}
	}
	return b.String()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
