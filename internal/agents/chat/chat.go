// Package chat implements the command router agent. It classifies one
// free-text command, forwards it to exactly one downstream agent over the
// request stream, waits briefly for the correlated response, and returns a
// short confirmation rather than the downstream payload.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/agentrun/internal/agent"
	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/internal/ring"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

// AgentType is the dispatch routing key for this agent.
const AgentType = "chat-agent"

const (
	agentID      = "chat-agent-001"
	historyCap   = 100 // recent commands kept for metrics
	pollInterval = 200 * time.Millisecond
	pollAttempts = 25
)

// Response is the routing confirmation returned to the caller. The
// downstream agent's payload is never relayed through it.
type Response struct {
	Summary          string `json:"summary"`
	MessageType      string `json:"message_type"`
	RoutedTo         string `json:"routed_to,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	StreamingEnabled bool   `json:"streaming_enabled"`
}

// Bus is the slice of the message bus this agent routes through.
type Bus interface {
	Probe(ctx context.Context) error
	AppendRequest(ctx context.Context, req protocol.AgentRequest) (string, error)
	AwaitResponse(ctx context.Context, requestID string, interval time.Duration, attempts int) ([]byte, error)
	PushLog(ctx context.Context, entry protocol.LogEntry) error
	PublishLog(ctx context.Context, entry protocol.LogEntry) error
}

// Agent is the chat command router.
type Agent struct {
	bus      Bus
	activity *agent.ActivityLogger

	mu             sync.Mutex
	info           protocol.AgentInfo
	commandHistory *ring.Buffer[string]
}

// New builds the agent in the Initializing state.
func New(b Bus, sink agent.ActivitySink) *Agent {
	info := protocol.AgentInfo{
		ID:               agentID,
		Name:             "Chat Command Router Agent",
		CognitivePattern: protocol.PatternSystems,
		Capabilities: []protocol.Capability{
			{Protocol: "chat.command_routing.v1", Version: "1.0.0", Description: "Routes user commands to appropriate specialized agents"},
			{Protocol: "chat.coordination.v1", Version: "1.0.0", Description: "Coordinates multi-agent interactions for user requests"},
			{Protocol: "chat.filtering.v1", Version: "1.0.0", Description: "Parses and routes filtering commands"},
		},
		ResourceLimits: protocol.DefaultResourceLimits(),
		CreatedAt:      time.Now().UTC(),
		Status:         protocol.StatusInitializing,
	}
	return &Agent{
		bus:            b,
		activity:       agent.NewActivityLogger(sink, agentID, AgentType),
		info:           info,
		commandHistory: ring.New[string](historyCap),
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

	slog.Info("chat agent initialized", "agent_id", agentID)
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
	slog.Info("chat agent shutting down")
	return nil
}

// HealthCheck probes the bus connection.
func (a *Agent) HealthCheck(ctx context.Context) protocol.AgentStatus {
	if err := a.bus.Probe(ctx); err != nil {
		return protocol.StatusError("Redis connection failed")
	}
	return protocol.StatusActive
}

// Metrics reports recent command volume and the capability count. The
// command figure reads the history ring and saturates at its cap.
func (a *Agent) Metrics() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]float64{
		"commands_processed": float64(a.commandHistory.Len()),
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

// ProcessQuery routes one user command. All activities of the execution
// share one fresh correlation id, which also becomes the request id of the
// forwarded request.
func (a *Agent) ProcessQuery(ctx context.Context, query string) (Response, error) {
	correlationID := uuid.NewString()

	a.activity.LogCorrelated(ctx, protocol.ActivityMrapStarted, map[string]any{
		"query": query,
	}, correlationID)

	a.activity.LogCorrelated(ctx, protocol.CustomActivity("ChatMessageReceived"), map[string]any{
		"message":      query,
		"user_message": fmt.Sprintf("User: %s", query),
	}, correlationID)

	a.publishUserLine(ctx, query, correlationID)

	a.mu.Lock()
	a.commandHistory.Append(query)
	a.mu.Unlock()

	response, err := a.routeCommand(ctx, query, correlationID)
	if err != nil {
		return Response{}, err
	}

	a.activity.LogCorrelated(ctx, protocol.ActivityActionTaken, map[string]any{
		"routed_to":    orNone(response.RoutedTo),
		"message_type": response.MessageType,
	}, correlationID)

	return response, nil
}

// publishUserLine mirrors the raw user message into the shared log lists
// and live channels so displays show the command alongside agent activity.
func (a *Agent) publishUserLine(ctx context.Context, query, correlationID string) {
	entry := protocol.LogEntry{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Level:         protocol.LevelInfo,
		Category:      protocol.CategoryChat,
		Message:       fmt.Sprintf("💬 User: %s", query),
		Service:       AgentType,
		Data:          map[string]any{"user_message": query, "type": "user_input"},
		CorrelationID: correlationID,
	}
	if err := a.bus.PushLog(ctx, entry); err != nil {
		slog.Warn("user line push failed", "error", err)
	}
	if err := a.bus.PublishLog(ctx, entry); err != nil {
		slog.Warn("user line publish failed", "error", err)
	}
}

func (a *Agent) routeCommand(ctx context.Context, query, correlationID string) (Response, error) {
	lower := strings.ToLower(query)

	a.activity.LogCorrelated(ctx, protocol.ActivityReasonPhase, map[string]any{
		"analyzing_command": query,
	}, correlationID)

	r := classify(lower)

	if _, err := a.bus.AppendRequest(ctx, protocol.AgentRequest{
		RequestID: correlationID,
		AgentType: r.Target,
		Message:   query,
		Timestamp: time.Now().UTC(),
		RoutedBy:  AgentType,
	}); err != nil {
		return Response{}, fmt.Errorf("route command: %w", err)
	}

	a.activity.LogCorrelated(ctx, protocol.ActivityActPhase, map[string]any{
		"routed_to":    r.Target,
		"command_type": r.CommandType,
	}, correlationID)

	a.awaitRoutedResponse(ctx, correlationID)

	messageType := "confirmation"
	if r.Streaming {
		messageType = "streaming"
	}
	return Response{
		Summary:          confirmation(lower, r.Target),
		MessageType:      messageType,
		RoutedTo:         r.Target,
		CorrelationID:    correlationID,
		StreamingEnabled: r.Streaming,
	}, nil
}

// awaitRoutedResponse waits until the downstream agent has answered so the
// confirmation lands after the routed work is done. The response body is
// never relayed; a timeout or wait failure degrades to returning the
// confirmation immediately.
func (a *Agent) awaitRoutedResponse(ctx context.Context, requestID string) {
	_, err := a.bus.AwaitResponse(ctx, requestID, pollInterval, pollAttempts)
	switch {
	case err == nil:
	case errors.Is(err, bus.ErrAwaitTimeout):
		slog.Warn("routed agent response timed out", "request_id", requestID)
	default:
		slog.Warn("routed agent response wait failed", "request_id", requestID, "error", err)
	}
}

func renderResponse(response Response) string {
	var b strings.Builder
	b.WriteString(response.Summary)
	if response.RoutedTo != "" {
		fmt.Fprintf(&b, "\n**Routed to**: %s", response.RoutedTo)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
