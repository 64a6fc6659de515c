package logdisplay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

type fakeSub struct {
	ch     chan bus.Message
	once   sync.Once
	closed chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{ch: make(chan bus.Message, 2048), closed: make(chan struct{})}
}

func (s *fakeSub) Messages() <-chan bus.Message { return s.ch }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
	return nil
}

func (s *fakeSub) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// send delivers one payload unless the subscription is already closed.
func (s *fakeSub) send(payload string) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	s.ch <- bus.Message{Channel: protocol.ChannelLogStream, Payload: payload}
	return true
}

type fakeBus struct {
	mu        sync.Mutex
	probeErr  error
	seedLines []string
	seedErr   error
	subErr    error

	subs       []*fakeSub
	channels   [][]string
	publishes  int
	lastUpdate panelUpdate
}

func (f *fakeBus) Probe(context.Context) error { return f.probeErr }

func (f *fakeBus) RecentLogs(_ context.Context, _ string, n int64) ([]string, error) {
	if f.seedErr != nil {
		return nil, f.seedErr
	}
	lines := f.seedLines
	if int64(len(lines)) > n {
		lines = lines[:n]
	}
	return lines, nil
}

func (f *fakeBus) PublishJSON(_ context.Context, channel string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if update, ok := v.(panelUpdate); ok && channel == protocol.ChannelLogsPanel {
		f.publishes++
		f.lastUpdate = update
	}
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, channels ...string) (bus.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	s := newFakeSub()
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.channels = append(f.channels, channels)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeBus) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishes
}

func (f *fakeBus) last() panelUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpdate
}

func (f *fakeBus) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

type captureSink struct {
	mu         sync.Mutex
	activities []protocol.AgentActivity
}

func (s *captureSink) AppendActivity(_ context.Context, activity protocol.AgentActivity) (string, error) {
	s.mu.Lock()
	s.activities = append(s.activities, activity)
	s.mu.Unlock()
	return "1-0", nil
}

func (s *captureSink) PushLog(context.Context, protocol.LogEntry) error { return nil }

func (s *captureSink) PublishJSON(context.Context, string, any) error { return nil }

func (s *captureSink) byName(name string) []protocol.AgentActivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.AgentActivity
	for _, act := range s.activities {
		if act.ActivityType.Name() == name {
			out = append(out, act)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func logJSON(service, message string) string {
	return fmt.Sprintf(`{"id":"e1","timestamp":"2026-08-24T10:00:00Z","level":"Info","category":"Api","message":%q,"service":%q}`,
		message, service)
}

func TestSessionChannels(t *testing.T) {
	base := sessionChannels(LogFilters{})
	wantBase := []string{
		"logs:stream", "logs:category:chat", "logs:category:agent",
		"logs:category:api", "logs:category:auth",
	}
	if len(base) != len(wantBase) {
		t.Fatalf("base channels = %v", base)
	}
	for i, channel := range wantBase {
		if base[i] != channel {
			t.Errorf("channel %d = %q, want %q", i, base[i], channel)
		}
	}

	filtered := sessionChannels(LogFilters{Level: "Error", Category: "Auth", Agent: "security-agent-001"})
	want := append(wantBase, "logs:level:error", "logs:category:auth", "logs:agent:security-agent-001")
	if len(filtered) != len(want) {
		t.Fatalf("filtered channels = %v", filtered)
	}
	for i, channel := range want {
		if filtered[i] != channel {
			t.Errorf("filtered channel %d = %q, want %q", i, filtered[i], channel)
		}
	}
}

func TestDecodeDisplayEntry(t *testing.T) {
	entry, ok := decodeDisplayEntry([]byte(`{"message":"hi"}`))
	if !ok {
		t.Fatal("decode rejected valid JSON")
	}
	if entry.ID != "unknown" || entry.Level != "info" || entry.Category != "general" || entry.AgentID != "unknown" {
		t.Errorf("defaults = %+v", entry)
	}
	if entry.Message != "hi" {
		t.Errorf("Message = %q", entry.Message)
	}

	entry, ok = decodeDisplayEntry([]byte(logJSON("api-gateway", "request served")))
	if !ok {
		t.Fatal("decode rejected full entry")
	}
	if entry.AgentID != "api-gateway" || entry.Level != "Info" || entry.Category != "Api" {
		t.Errorf("entry = %+v", entry)
	}

	if _, ok := decodeDisplayEntry([]byte("not json")); ok {
		t.Error("decode accepted invalid JSON")
	}
}

func TestIsOwnOutput(t *testing.T) {
	tests := []struct {
		agentID string
		message string
		want    bool
	}{
		{"log-display-agent", "anything", true},
		{"log-display-agent-001", "anything", true},
		{"api-gateway", "Log Display Agent published 5 entries", true},
		{"api-gateway", "📡 Log Display Agent heartbeat", true},
		{"api-gateway", "published to ui:logs_panel", true},
		{"api-gateway", "request served", false},
		{"chat-agent", "💬 User: hello", false},
	}
	for _, tt := range tests {
		if got := isOwnOutput(tt.agentID, tt.message); got != tt.want {
			t.Errorf("isOwnOutput(%q, %q) = %t, want %t", tt.agentID, tt.message, got, tt.want)
		}
	}
}

func TestStartStreamSeedsAndPublishes(t *testing.T) {
	b := &fakeBus{
		seedLines: []string{
			logJSON("api-gateway", "newest"),
			logJSON("log-display-agent", "own mirror line"),
			logJSON("auth-service", "oldest"),
		},
	}
	sink := &captureSink{}
	a := New(b, sink)
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	sessionID, err := a.StartStream(context.Background(), LogFilters{}, "corr-7")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitFor(t, "initial panel publish", func() bool { return b.publishCount() >= 1 })

	update := b.last()
	if update.Type != "logs_panel_update" || update.Mode != "streaming" {
		t.Errorf("update header = %+v", update)
	}
	if update.SessionID != sessionID {
		t.Errorf("SessionID = %q, want %q", update.SessionID, sessionID)
	}
	if update.Count != 2 || len(update.Logs) != 2 {
		t.Fatalf("Count/Logs = %d/%d, want 2/2", update.Count, len(update.Logs))
	}
	// seed order is oldest first; own mirror line skipped
	if update.Logs[0].Message != "oldest" || update.Logs[1].Message != "newest" {
		t.Errorf("Logs = %q, %q", update.Logs[0].Message, update.Logs[1].Message)
	}

	started := sink.byName("LogStreamStarted")
	if len(started) != 1 || started[0].CorrelationID != "corr-7" {
		t.Errorf("LogStreamStarted activities = %+v", started)
	}
	if started[0].Details["session_id"] != sessionID {
		t.Errorf("session_id detail = %v", started[0].Details["session_id"])
	}
	if got := a.Metrics()["active_streams"]; got != 1 {
		t.Errorf("active_streams = %v", got)
	}
}

func TestStreamBuffersNewestFirstAndCaps(t *testing.T) {
	b := &fakeBus{}
	a := New(b, &captureSink{})
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	sessionID, err := a.StartStream(context.Background(), LogFilters{}, "corr-cap")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitFor(t, "initial panel publish", func() bool { return b.publishCount() >= 1 })

	sub := b.sub(0)
	for i := 0; i < 1500; i++ {
		sub.send(logJSON("api-gateway", fmt.Sprintf("msg %d", i)))
	}
	waitFor(t, "all inserts processed", func() bool { return b.publishCount() >= 1501 })

	logs, err := a.StreamingLogs(sessionID)
	if err != nil {
		t.Fatalf("StreamingLogs: %v", err)
	}
	if len(logs) != 1000 {
		t.Fatalf("buffer length = %d, want 1000", len(logs))
	}
	if logs[0].Message != "msg 1499" {
		t.Errorf("newest = %q, want msg 1499", logs[0].Message)
	}
	if logs[999].Message != "msg 500" {
		t.Errorf("oldest kept = %q, want msg 500", logs[999].Message)
	}
	if got := a.Metrics()["log_buffer_size"]; got != 1000 {
		t.Errorf("log_buffer_size = %v", got)
	}
}

func TestSelfLogsNeverBufferedNorRepublished(t *testing.T) {
	b := &fakeBus{}
	a := New(b, &captureSink{})
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	sessionID, err := a.StartStream(context.Background(), LogFilters{}, "corr-self")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitFor(t, "initial panel publish", func() bool { return b.publishCount() >= 1 })

	sub := b.sub(0)
	sub.send(logJSON("log-display-agent", "self service line"))
	sub.send(logJSON("api-gateway", "📡 Log Display Agent republish"))
	sub.send(logJSON("api-gateway", "wrote to ui:logs_panel"))
	sub.send(logJSON("api-gateway", "a real line"))
	waitFor(t, "accepted message publish", func() bool { return b.publishCount() >= 2 })

	if got := b.publishCount(); got != 2 {
		t.Errorf("publishes = %d, want 2 (initial + one accepted)", got)
	}
	logs, err := a.StreamingLogs(sessionID)
	if err != nil {
		t.Fatalf("StreamingLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "a real line" {
		t.Errorf("buffer = %+v", logs)
	}
}

func TestStopStreamCancelsTask(t *testing.T) {
	b := &fakeBus{}
	sink := &captureSink{}
	a := New(b, sink)
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	sessionID, err := a.StartStream(context.Background(), LogFilters{}, "corr-stop")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitFor(t, "initial panel publish", func() bool { return b.publishCount() >= 1 })

	a.StopStream(context.Background(), sessionID, "corr-stop")

	if !b.sub(0).isClosed() {
		t.Error("subscription not closed after stop")
	}
	if sent := b.sub(0).send(logJSON("api-gateway", "late line")); sent {
		t.Error("send succeeded on a stopped session")
	}
	if _, err := a.StreamingLogs(sessionID); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("StreamingLogs after stop = %v, want ErrInvalidSession", err)
	}
	if got := a.Metrics()["active_streams"]; got != 0 {
		t.Errorf("active_streams = %v", got)
	}
	stopped := sink.byName("LogStreamStopped")
	if len(stopped) != 1 || stopped[0].Details["session_id"] != sessionID {
		t.Errorf("LogStreamStopped activities = %+v", stopped)
	}

	// stopping again is a no-op
	a.StopStream(context.Background(), sessionID, "corr-stop")
}

func TestRestartOnSameSessionIDReplacesTask(t *testing.T) {
	b := &fakeBus{}
	a := New(b, &captureSink{})
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	if err := a.startSession(context.Background(), "fixed", LogFilters{}, "corr-1"); err != nil {
		t.Fatalf("startSession: %v", err)
	}
	if err := a.startSession(context.Background(), "fixed", LogFilters{}, "corr-2"); err != nil {
		t.Fatalf("restart startSession: %v", err)
	}

	waitFor(t, "old task torn down", func() bool { return b.sub(0).isClosed() })
	if b.sub(1).isClosed() {
		t.Error("replacement task should still be running")
	}
	if got := a.Metrics()["active_streams"]; got != 1 {
		t.Errorf("active_streams = %v, want 1", got)
	}
}

func TestShutdownStopsAllSessions(t *testing.T) {
	b := &fakeBus{}
	a := New(b, &captureSink{})

	if _, err := a.StartStream(context.Background(), LogFilters{}, "corr-a"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if _, err := a.StartStream(context.Background(), LogFilters{}, "corr-b"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !b.sub(0).isClosed() || !b.sub(1).isClosed() {
		t.Error("sessions still running after shutdown")
	}
	if got := a.Metrics()["active_streams"]; got != 0 {
		t.Errorf("active_streams = %v", got)
	}
	if a.Info().Status != protocol.StatusSuspended {
		t.Errorf("status = %v", a.Info().Status)
	}
}

func TestHandle(t *testing.T) {
	b := &fakeBus{}
	a := New(b, &captureSink{})
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	text, err := a.Handle(context.Background(), protocol.AgentRequest{
		RequestID: "req-9",
		Message:   "start streaming logs",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.HasPrefix(text, "✅ Log streaming started - Session: ") {
		t.Errorf("Handle = %q", text)
	}
	if got := a.Metrics()["active_streams"]; got != 1 {
		t.Errorf("active_streams = %v", got)
	}

	text, err = a.Handle(context.Background(), protocol.AgentRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if text != "✅ Log Display Agent ready - use 'streaming logs' to start live feed" {
		t.Errorf("Handle = %q", text)
	}
	if got := a.Metrics()["active_streams"]; got != 1 {
		t.Errorf("active_streams after plain message = %v", got)
	}
}

func TestStartStreamSubscribeFailure(t *testing.T) {
	b := &fakeBus{subErr: errors.New("connection refused")}
	a := New(b, &captureSink{})

	if _, err := a.StartStream(context.Background(), LogFilters{}, "corr-x"); err == nil {
		t.Fatal("StartStream should fail when the subscription cannot open")
	}
	if got := a.Metrics()["active_streams"]; got != 0 {
		t.Errorf("active_streams = %v", got)
	}
}

func TestLifecycle(t *testing.T) {
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
	init := sink.byName("Initialized")
	if len(init) != 1 || init[0].CorrelationID == "" {
		t.Fatalf("Initialized activities = %+v", init)
	}
	if init[0].Details["agent_id"] != "log-display-agent-001" {
		t.Errorf("agent_id detail = %v", init[0].Details["agent_id"])
	}

	if status := a.HealthCheck(context.Background()); status != protocol.StatusActive {
		t.Errorf("health = %v", status)
	}
	b.probeErr = errors.New("dial tcp: connection refused")
	if status := a.HealthCheck(context.Background()); status != protocol.StatusError("Redis connection failed") {
		t.Errorf("health with probe failure = %v", status)
	}

	metrics := a.Metrics()
	if metrics["active_streams"] != 0 || metrics["log_buffer_size"] != 0 {
		t.Errorf("metrics = %v", metrics)
	}
}
