package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

type fakeBus struct {
	probeErr  error
	appendErr error
	awaitErr  error

	requests  []protocol.AgentRequest
	awaited   []string
	pushed    []protocol.LogEntry
	published []protocol.LogEntry
}

func (f *fakeBus) Probe(context.Context) error { return f.probeErr }

func (f *fakeBus) AppendRequest(_ context.Context, req protocol.AgentRequest) (string, error) {
	if f.appendErr != nil {
		return "", f.appendErr
	}
	f.requests = append(f.requests, req)
	return "1-0", nil
}

func (f *fakeBus) AwaitResponse(_ context.Context, requestID string, _ time.Duration, _ int) ([]byte, error) {
	f.awaited = append(f.awaited, requestID)
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	return []byte(`{"request_id":"` + requestID + `","response":"done","success":true}`), nil
}

func (f *fakeBus) PushLog(_ context.Context, entry protocol.LogEntry) error {
	f.pushed = append(f.pushed, entry)
	return nil
}

func (f *fakeBus) PublishLog(_ context.Context, entry protocol.LogEntry) error {
	f.published = append(f.published, entry)
	return nil
}

type captureSink struct {
	activities []protocol.AgentActivity
}

func (s *captureSink) AppendActivity(_ context.Context, activity protocol.AgentActivity) (string, error) {
	s.activities = append(s.activities, activity)
	return "1-0", nil
}

func (s *captureSink) PushLog(context.Context, protocol.LogEntry) error { return nil }

func (s *captureSink) PublishJSON(context.Context, string, any) error { return nil }

func TestClassify(t *testing.T) {
	tests := []struct {
		query       string
		target      string
		commandType string
		streaming   bool
	}{
		{"start streaming logs", "log-display-agent", "log_streaming", true},
		{"stream logs from the gateway", "log-display-agent", "log_streaming", true},
		{"real-time logs", "log-display-agent", "log_streaming", true},
		{"live logs please", "log-display-agent", "log_streaming", true},
		{"show streaming status", "log-display-agent", "log_streaming", true},
		{"filter logs by auth", "log-display-agent", "log_streaming", true},
		{"only show errors", "log-display-agent", "log_streaming", true},
		// "logs" plus "from" reads as a filter command
		{"show all logs from today", "log-display-agent", "log_streaming", true},
		{"show me error logs", "security-agent", "log_query", false},
		{"what happened today", "security-agent", "log_query", false},
		{"login attempts", "security-agent", "log_query", false},
		{"security report", "security-agent", "log_query", false},
		{"hello there", "security-agent", "general_query", false},
		{"restart the pipeline", "security-agent", "general_query", false},
	}
	for _, tt := range tests {
		r := classify(strings.ToLower(tt.query))
		if r.Target != tt.target || r.CommandType != tt.commandType || r.Streaming != tt.streaming {
			t.Errorf("classify(%q) = (%s, %s, %t), want (%s, %s, %t)",
				tt.query, r.Target, r.CommandType, r.Streaming, tt.target, tt.commandType, tt.streaming)
		}
	}
}

func TestConfirmation(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"start streaming logs", "✅ Log streaming command sent to Log Analysis Agent"},
		{"filter logs by auth", "✅ Log filter command sent to Log Analysis Agent"},
		// streaming wording wins when both keywords appear
		{"filter streaming logs", "✅ Log streaming command sent to Log Analysis Agent"},
		{"show me error logs", "✅ Log query sent to Security Agent"},
		{"hello there", "✅ Command routed to security-agent"},
	}
	for _, tt := range tests {
		lower := strings.ToLower(tt.query)
		got := confirmation(lower, classify(lower).Target)
		if got != tt.want {
			t.Errorf("confirmation(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestProcessQueryRoutesAndConfirms(t *testing.T) {
	b := &fakeBus{}
	sink := &captureSink{}
	a := New(b, sink)

	response, err := a.ProcessQuery(context.Background(), "show me error logs")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if response.Summary != "✅ Log query sent to Security Agent" {
		t.Errorf("Summary = %q", response.Summary)
	}
	if response.MessageType != "confirmation" || response.StreamingEnabled {
		t.Errorf("MessageType/StreamingEnabled = %q/%t", response.MessageType, response.StreamingEnabled)
	}
	if response.RoutedTo != "security-agent" {
		t.Errorf("RoutedTo = %q", response.RoutedTo)
	}
	if response.CorrelationID == "" {
		t.Fatal("missing correlation id")
	}

	if len(b.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(b.requests))
	}
	req := b.requests[0]
	if req.RequestID != response.CorrelationID {
		t.Errorf("request id = %q, want correlation id %q", req.RequestID, response.CorrelationID)
	}
	if req.AgentType != "security-agent" || req.Message != "show me error logs" || req.RoutedBy != "chat-agent" {
		t.Errorf("request = %+v", req)
	}
	if len(b.awaited) != 1 || b.awaited[0] != response.CorrelationID {
		t.Errorf("awaited = %v", b.awaited)
	}

	if len(b.pushed) != 1 || len(b.published) != 1 {
		t.Fatalf("user line pushed/published = %d/%d, want 1/1", len(b.pushed), len(b.published))
	}
	line := b.pushed[0]
	if line.Message != "💬 User: show me error logs" {
		t.Errorf("user line = %q", line.Message)
	}
	if line.Category != protocol.CategoryChat || line.Service != "chat-agent" {
		t.Errorf("user line category/service = %s/%s", line.Category, line.Service)
	}
	if line.Data["type"] != "user_input" || line.CorrelationID != response.CorrelationID {
		t.Errorf("user line data/correlation = %v/%q", line.Data, line.CorrelationID)
	}

	want := []string{"MrapStarted", "ChatMessageReceived", "ReasonPhase", "ActPhase", "ActionTaken"}
	if len(sink.activities) != len(want) {
		names := make([]string, len(sink.activities))
		for i, act := range sink.activities {
			names[i] = act.ActivityType.Name()
		}
		t.Fatalf("activities = %v, want %v", names, want)
	}
	for i, act := range sink.activities {
		if act.ActivityType.Name() != want[i] {
			t.Errorf("activity %d = %s, want %s", i, act.ActivityType.Name(), want[i])
		}
		if act.CorrelationID != response.CorrelationID {
			t.Errorf("activity %d correlation = %q, want %q", i, act.CorrelationID, response.CorrelationID)
		}
	}
	if !sink.activities[1].ActivityType.IsCustom() {
		t.Error("ChatMessageReceived should be the custom variant")
	}
	final := sink.activities[4].Details
	if final["routed_to"] != "security-agent" || final["message_type"] != "confirmation" {
		t.Errorf("ActionTaken details = %v", final)
	}
}

func TestProcessQueryStreamingCommand(t *testing.T) {
	b := &fakeBus{}
	sink := &captureSink{}
	a := New(b, sink)

	response, err := a.ProcessQuery(context.Background(), "start streaming logs")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if !response.StreamingEnabled || response.MessageType != "streaming" {
		t.Errorf("MessageType/StreamingEnabled = %q/%t", response.MessageType, response.StreamingEnabled)
	}
	if response.RoutedTo != "log-display-agent" {
		t.Errorf("RoutedTo = %q", response.RoutedTo)
	}
	if response.Summary != "✅ Log streaming command sent to Log Analysis Agent" {
		t.Errorf("Summary = %q", response.Summary)
	}
	if len(sink.activities) != 5 {
		t.Fatalf("activities = %d, want 5", len(sink.activities))
	}
	act := sink.activities[3]
	if act.ActivityType != protocol.ActivityActPhase {
		t.Fatalf("activity 3 = %s", act.ActivityType)
	}
	if act.Details["command_type"] != "log_streaming" {
		t.Errorf("command_type = %v", act.Details["command_type"])
	}
}

func TestProcessQueryTimeoutStillConfirms(t *testing.T) {
	b := &fakeBus{awaitErr: bus.ErrAwaitTimeout}
	a := New(b, &captureSink{})

	response, err := a.ProcessQuery(context.Background(), "show me error logs")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if response.Summary != "✅ Log query sent to Security Agent" {
		t.Errorf("Summary = %q", response.Summary)
	}
	if len(b.awaited) != 1 {
		t.Errorf("awaited = %v", b.awaited)
	}
}

func TestProcessQueryAppendFailure(t *testing.T) {
	b := &fakeBus{appendErr: errors.New("connection refused")}
	sink := &captureSink{}
	a := New(b, sink)

	_, err := a.ProcessQuery(context.Background(), "show me error logs")
	if err == nil || !strings.Contains(err.Error(), "route command") {
		t.Fatalf("err = %v", err)
	}
	if len(sink.activities) == 0 {
		t.Fatal("no activities recorded")
	}
	last := sink.activities[len(sink.activities)-1]
	if last.ActivityType != protocol.ActivityReasonPhase {
		t.Errorf("last activity = %s, want ReasonPhase", last.ActivityType)
	}
	if len(b.awaited) != 0 {
		t.Errorf("awaited = %v, want none", b.awaited)
	}
}

func TestHandleRendersRoutedTo(t *testing.T) {
	a := New(&fakeBus{}, &captureSink{})

	text, err := a.Handle(context.Background(), protocol.AgentRequest{Message: "show me error logs"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := "✅ Log query sent to Security Agent\n**Routed to**: security-agent"
	if text != want {
		t.Errorf("Handle = %q, want %q", text, want)
	}
}

func TestLifecycleAndMetrics(t *testing.T) {
	b := &fakeBus{}
	sink := &captureSink{}
	a := New(b, sink)

	if a.Info().Status != protocol.StatusInitializing {
		t.Errorf("status = %v", a.Info().Status)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if a.Info().Status != protocol.StatusActive {
		t.Errorf("status after init = %v", a.Info().Status)
	}
	init := sink.activities[0]
	if init.ActivityType != protocol.ActivityInitialized {
		t.Fatalf("first activity = %s", init.ActivityType)
	}
	if init.CorrelationID == "" {
		t.Error("initialization activity should carry a correlation id")
	}
	if init.Details["agent_id"] != "chat-agent-001" {
		t.Errorf("agent_id = %v", init.Details["agent_id"])
	}
	if got, _ := init.Details["capabilities_count"].(int); got != 3 {
		t.Errorf("capabilities_count = %v", init.Details["capabilities_count"])
	}

	if status := a.HealthCheck(context.Background()); status != protocol.StatusActive {
		t.Errorf("health = %v", status)
	}
	b.probeErr = errors.New("dial tcp: connection refused")
	if status := a.HealthCheck(context.Background()); status != protocol.StatusError("Redis connection failed") {
		t.Errorf("health with probe failure = %v", status)
	}
	b.probeErr = nil

	metrics := a.Metrics()
	if metrics["commands_processed"] != 0 || metrics["capabilities_count"] != 3 {
		t.Errorf("metrics = %v", metrics)
	}
	for i := 0; i < 2; i++ {
		if _, err := a.ProcessQuery(context.Background(), "hello"); err != nil {
			t.Fatalf("ProcessQuery: %v", err)
		}
	}
	if got := a.Metrics()["commands_processed"]; got != 2 {
		t.Errorf("commands_processed = %v, want 2", got)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Info().Status != protocol.StatusSuspended {
		t.Errorf("status after shutdown = %v", a.Info().Status)
	}
}

func TestCommandHistorySaturates(t *testing.T) {
	a := New(&fakeBus{}, &captureSink{})
	for i := 0; i < historyCap+10; i++ {
		if _, err := a.ProcessQuery(context.Background(), "hello"); err != nil {
			t.Fatalf("ProcessQuery: %v", err)
		}
	}
	if got := a.Metrics()["commands_processed"]; got != historyCap {
		t.Errorf("commands_processed = %v, want %d", got, historyCap)
	}
}
