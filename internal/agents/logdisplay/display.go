// Package logdisplay implements the push-only log tail agent. Each
// streaming session subscribes to the live log channels, keeps a capped
// newest-first buffer, and republishes the entire buffer to the UI panel
// channel on every accepted message, so consumers never poll.
package logdisplay

import (
	"context"
	"encoding/json"
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
const AgentType = "log-display-agent"

const (
	agentID   = "log-display-agent-001"
	seedCount = 100  // entries pulled from logs:all when a session starts
	bufferCap = 1000 // session buffer entries, newest first
)

// ErrInvalidSession is returned when a session id is unknown.
var ErrInvalidSession = errors.New("Invalid session ID")

// LogFilters narrows which pub/sub channels a streaming session follows.
// Set fields add channels on top of the base set; there is no per-message
// field matching.
type LogFilters struct {
	Level    string `json:"level,omitempty"`
	Category string `json:"category,omitempty"`
	Agent    string `json:"agent,omitempty"`
	Keyword  string `json:"keyword,omitempty"`
}

// StreamConfig describes one live streaming session.
type StreamConfig struct {
	Active        bool       `json:"active"`
	Filters       LogFilters `json:"filters"`
	SessionID     string     `json:"session_id"`
	CorrelationID string     `json:"correlation_id"`
}

// DisplayLogEntry is one display-ready line in a session buffer.
type DisplayLogEntry struct {
	ID            string          `json:"id"`
	Timestamp     string          `json:"timestamp"`
	Level         string          `json:"level"`
	Category      string          `json:"category"`
	AgentID       string          `json:"agent_id"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

type panelUpdate struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"session_id"`
	Mode       string            `json:"mode"`
	Logs       []DisplayLogEntry `json:"logs"`
	Count      int               `json:"count"`
	LastUpdate string            `json:"last_update"`
}

// Bus is the slice of the message bus this agent streams through.
type Bus interface {
	Probe(ctx context.Context) error
	RecentLogs(ctx context.Context, key string, n int64) ([]string, error)
	PublishJSON(ctx context.Context, channel string, v any) error
	Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error)
}

// session is one streaming task. Its task handle is owned 1:1 by the
// session id; stop cancels the task and waits for it to finish.
type session struct {
	config StreamConfig
	cancel context.CancelFunc
	done   chan struct{}
	buffer *ring.Buffer[DisplayLogEntry]
}

func (s *session) stop() {
	s.cancel()
	<-s.done
}

// Agent is the log display agent.
type Agent struct {
	bus      Bus
	activity *agent.ActivityLogger

	mu       sync.Mutex
	info     protocol.AgentInfo
	sessions map[string]*session
}

// New builds the agent in the Initializing state.
func New(b Bus, sink agent.ActivitySink) *Agent {
	info := protocol.AgentInfo{
		ID:               agentID,
		Name:             "Log Display & Visualization Agent",
		CognitivePattern: protocol.PatternSystems,
		Capabilities: []protocol.Capability{
			{Protocol: "log_display.streaming.v1", Version: "1.0.0", Description: "Real-time log streaming via Redis pub/sub"},
			{Protocol: "log_display.filtering.v1", Version: "1.0.0", Description: "Advanced log filtering and search"},
			{Protocol: "log_display.visualization.v1", Version: "1.0.0", Description: "Log visualization and presentation"},
		},
		ResourceLimits: protocol.DefaultResourceLimits(),
		CreatedAt:      time.Now().UTC(),
		Status:         protocol.StatusInitializing,
	}
	return &Agent{
		bus:      b,
		activity: agent.NewActivityLogger(sink, agentID, AgentType),
		info:     info,
		sessions: map[string]*session{},
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
	a.mu.Unlock()

	slog.Info("log display agent initialized", "agent_id", agentID)
	a.activity.LogCorrelated(ctx, protocol.ActivityInitialized, map[string]any{
		"agent_id": agentID,
	}, uuid.NewString())
	return nil
}

// Shutdown stops every streaming session and moves the agent to Suspended.
func (a *Agent) Shutdown(context.Context) error {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = map[string]*session{}
	a.mu.Unlock()

	for id, s := range sessions {
		s.stop()
		slog.Info("log display stream stopped", "session_id", id)
	}

	a.mu.Lock()
	a.info.Status = protocol.StatusSuspended
	a.mu.Unlock()
	slog.Info("log display agent shutting down")
	return nil
}

// HealthCheck probes the bus connection.
func (a *Agent) HealthCheck(ctx context.Context) protocol.AgentStatus {
	if err := a.bus.Probe(ctx); err != nil {
		return protocol.StatusError("Redis connection failed")
	}
	return protocol.StatusActive
}

// Metrics reports the live session count and total buffered entries.
func (a *Agent) Metrics() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	buffered := 0
	for _, s := range a.sessions {
		buffered += s.buffer.Len()
	}
	return map[string]float64{
		"active_streams":  float64(len(a.sessions)),
		"log_buffer_size": float64(buffered),
	}
}

// Handle starts a streaming session when the message asks for one. The
// request id becomes the session's correlation id.
func (a *Agent) Handle(ctx context.Context, req protocol.AgentRequest) (string, error) {
	if strings.Contains(strings.ToLower(req.Message), "stream") {
		sessionID, err := a.StartStream(ctx, LogFilters{}, req.RequestID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✅ Log streaming started - Session: %s", sessionID), nil
	}
	return "✅ Log Display Agent ready - use 'streaming logs' to start live feed", nil
}

// StartStream opens a streaming session and returns its id. The session
// keeps publishing until StopStream or Shutdown cancels it.
func (a *Agent) StartStream(ctx context.Context, filters LogFilters, correlationID string) (string, error) {
	sessionID := uuid.NewString()

	a.activity.LogCorrelated(ctx, protocol.CustomActivity("LogStreamStarted"), map[string]any{
		"session_id": sessionID,
		"filters":    filters,
	}, correlationID)

	if err := a.startSession(ctx, sessionID, filters, correlationID); err != nil {
		return "", err
	}
	slog.Info("log display stream started", "session_id", sessionID)
	return sessionID, nil
}

// startSession subscribes and spawns the session task. An existing task
// under the same id is cancelled and awaited before the new one starts, so
// no orphan task keeps publishing.
func (a *Agent) startSession(ctx context.Context, sessionID string, filters LogFilters, correlationID string) error {
	sub, err := a.bus.Subscribe(ctx, sessionChannels(filters)...)
	if err != nil {
		return fmt.Errorf("subscribe session channels: %w", err)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		config: StreamConfig{
			Active:        true,
			Filters:       filters,
			SessionID:     sessionID,
			CorrelationID: correlationID,
		},
		cancel: cancel,
		done:   make(chan struct{}),
		buffer: ring.New[DisplayLogEntry](bufferCap),
	}

	a.mu.Lock()
	old := a.sessions[sessionID]
	a.sessions[sessionID] = s
	a.mu.Unlock()
	if old != nil {
		old.stop()
	}

	go a.runSession(taskCtx, s, sub)
	return nil
}

// StopStream cancels one session's task, waits for it to finish, and
// removes the session. Unknown ids are a no-op.
func (a *Agent) StopStream(ctx context.Context, sessionID, correlationID string) {
	a.mu.Lock()
	s := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if s == nil {
		return
	}
	s.stop()

	a.activity.LogCorrelated(ctx, protocol.CustomActivity("LogStreamStopped"), map[string]any{
		"session_id": sessionID,
	}, correlationID)
	slog.Info("log display stream stopped", "session_id", sessionID)
}

// StreamingLogs returns a snapshot of one session's buffer.
func (a *Agent) StreamingLogs(sessionID string) ([]DisplayLogEntry, error) {
	a.mu.Lock()
	s := a.sessions[sessionID]
	a.mu.Unlock()
	if s == nil {
		return nil, ErrInvalidSession
	}
	return s.buffer.Snapshot(), nil
}

// sessionChannels is the base subscription set plus the channels implied
// by the filters.
func sessionChannels(filters LogFilters) []string {
	channels := []string{
		protocol.ChannelLogStream,
		protocol.CategoryKey("chat"),
		protocol.CategoryKey("agent"),
		protocol.CategoryKey("api"),
		protocol.CategoryKey("auth"),
	}
	if filters.Level != "" {
		channels = append(channels, protocol.LevelKey(filters.Level))
	}
	if filters.Category != "" {
		channels = append(channels, protocol.CategoryKey(filters.Category))
	}
	if filters.Agent != "" {
		channels = append(channels, protocol.AgentChannel(filters.Agent))
	}
	return channels
}

func (a *Agent) runSession(ctx context.Context, s *session, sub bus.Subscription) {
	defer close(s.done)
	defer sub.Close()

	a.seedSession(ctx, s)
	a.publishPanel(ctx, s)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			entry, ok := decodeDisplayEntry([]byte(msg.Payload))
			if !ok {
				continue
			}
			if isOwnOutput(entry.AgentID, entry.Message) {
				continue
			}
			s.buffer.PushFront(entry)
			a.publishPanel(ctx, s)
		}
	}
}

// seedSession fills the buffer from the durable list so a new session is
// never empty. Seeded entries land oldest first; live messages then stack
// newest first on top.
func (a *Agent) seedSession(ctx context.Context, s *session) {
	lines, err := a.bus.RecentLogs(ctx, protocol.ListLogsAll, seedCount)
	if err != nil {
		slog.Warn("session seed read failed", "session_id", s.config.SessionID, "error", err)
		return
	}
	for i := len(lines) - 1; i >= 0; i-- {
		entry, ok := decodeDisplayEntry([]byte(lines[i]))
		if !ok {
			continue
		}
		if strings.Contains(entry.AgentID, AgentType) {
			continue
		}
		s.buffer.Append(entry)
	}
}

func (a *Agent) publishPanel(ctx context.Context, s *session) {
	logs := s.buffer.Snapshot()
	update := panelUpdate{
		Type:       "logs_panel_update",
		SessionID:  s.config.SessionID,
		Mode:       "streaming",
		Logs:       logs,
		Count:      len(logs),
		LastUpdate: time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.bus.PublishJSON(ctx, protocol.ChannelLogsPanel, update); err != nil {
		slog.Warn("logs panel publish failed", "session_id", s.config.SessionID, "error", err)
	}
}

// isOwnOutput reports whether a message originated from this agent's own
// publishing. Such messages are dropped before buffering to prevent a
// feedback loop through the panel channel.
func isOwnOutput(agentID, message string) bool {
	return strings.Contains(agentID, AgentType) ||
		strings.Contains(message, "Log Display Agent published") ||
		strings.Contains(message, "📡 Log Display Agent") ||
		strings.Contains(message, "ui:logs_panel")
}

// decodeDisplayEntry maps one raw payload to a display entry, tolerating
// missing fields. Unparseable payloads are rejected.
func decodeDisplayEntry(payload []byte) (DisplayLogEntry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return DisplayLogEntry{}, false
	}
	entry := DisplayLogEntry{
		ID:            stringOr(raw, "id", "unknown"),
		Timestamp:     stringOr(raw, "timestamp", ""),
		Level:         stringOr(raw, "level", "info"),
		Category:      stringOr(raw, "category", "general"),
		AgentID:       stringOr(raw, "service", "unknown"),
		Message:       stringOr(raw, "message", ""),
		CorrelationID: stringOr(raw, "correlation_id", ""),
	}
	if data, ok := raw["data"]; ok && data != nil {
		if encoded, err := json.Marshal(data); err == nil {
			entry.Data = encoded
		}
	}
	return entry, true
}

func stringOr(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
