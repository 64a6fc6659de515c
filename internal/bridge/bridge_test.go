package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

// relayBus fakes the bus slice the relay uses. Response entries are fed
// through a channel so ReadGroup blocks like the real consumer-group read.
type relayBus struct {
	mu        sync.Mutex
	appended  [][]byte
	appendErr error
	acked     []string
	entries   chan bus.Entry
	panel     chan bus.Message
}

func newRelayBus() *relayBus {
	return &relayBus{
		entries: make(chan bus.Entry, 16),
		panel:   make(chan bus.Message, 16),
	}
}

func (b *relayBus) AppendRequestRaw(ctx context.Context, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		return "", b.appendErr
	}
	b.appended = append(b.appended, payload)
	return "1-0", nil
}

func (b *relayBus) EnsureGroup(ctx context.Context, stream, group string) error { return nil }

func (b *relayBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]bus.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case entry := <-b.entries:
		return []bus.Entry{entry}, nil
	}
}

func (b *relayBus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, ids...)
	return nil
}

func (b *relayBus) Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error) {
	return &fakeSub{out: b.panel}, nil
}

func (b *relayBus) appendedPayloads() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.appended))
	copy(out, b.appended)
	return out
}

func (b *relayBus) ackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.acked))
	copy(out, b.acked)
	return out
}

type fakeSub struct {
	out chan bus.Message
}

func (s *fakeSub) Messages() <-chan bus.Message { return s.out }
func (s *fakeSub) Close() error                 { return nil }

// dialRelay starts a relay server over rb and returns a connected client.
func dialRelay(t *testing.T, rb *relayBus) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := httptest.NewServer(NewServer(rb).Handler(ctx))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame protocol.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestBridgeForwardsAgentRequest(t *testing.T) {
	rb := newRelayBus()
	conn := dialRelay(t, rb)

	request := json.RawMessage(`{"request_id":"req-1","agent_type":"security-agent","message":"show logs"}`)
	writeFrame(t, conn, protocol.Frame{Type: protocol.FrameAgentRequest, Data: request})

	deadline := time.After(2 * time.Second)
	for {
		if payloads := rb.appendedPayloads(); len(payloads) == 1 {
			var req protocol.AgentRequest
			if err := json.Unmarshal(payloads[0], &req); err != nil {
				t.Fatalf("appended payload not a request: %v", err)
			}
			if req.RequestID != "req-1" || req.AgentType != "security-agent" {
				t.Errorf("appended request = %+v", req)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("request never appended")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBridgeAppendFailureKeepsConnectionAlive(t *testing.T) {
	rb := newRelayBus()
	rb.appendErr = errors.New("stream unavailable")
	conn := dialRelay(t, rb)

	writeFrame(t, conn, protocol.Frame{
		Type: protocol.FrameAgentRequest,
		Data: json.RawMessage(`{"request_id":"req-2"}`),
	})

	frame := readFrame(t, conn)
	if frame.Type != protocol.FrameAgentError {
		t.Fatalf("frame type = %s, want %s", frame.Type, protocol.FrameAgentError)
	}
	if !strings.Contains(frame.Error, "Redis request failed") {
		t.Errorf("error = %q", frame.Error)
	}

	// The connection survives: a later append succeeds.
	rb.mu.Lock()
	rb.appendErr = nil
	rb.mu.Unlock()
	writeFrame(t, conn, protocol.Frame{
		Type: protocol.FrameAgentRequest,
		Data: json.RawMessage(`{"request_id":"req-3"}`),
	})

	deadline := time.After(2 * time.Second)
	for len(rb.appendedPayloads()) == 0 {
		select {
		case <-deadline:
			t.Fatal("connection did not recover after append failure")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBridgeForwardsAndAcksResponses(t *testing.T) {
	rb := newRelayBus()
	conn := dialRelay(t, rb)

	payload := `{"request_id":"req-4","agent_type":"security-agent","response":"ok","success":true}`
	rb.entries <- bus.Entry{ID: "7-0", Data: []byte(payload)}

	frame := readFrame(t, conn)
	if frame.Type != protocol.FrameAgentResponse {
		t.Fatalf("frame type = %s, want %s", frame.Type, protocol.FrameAgentResponse)
	}
	if frame.Channel != protocol.StreamResponses {
		t.Errorf("channel = %q, want %q", frame.Channel, protocol.StreamResponses)
	}
	// The forwarded payload travels as a JSON string value.
	var forwarded string
	if err := json.Unmarshal(frame.Data, &forwarded); err != nil {
		t.Fatalf("data not a string: %v", err)
	}
	if forwarded != payload {
		t.Errorf("forwarded = %q, want %q", forwarded, payload)
	}

	deadline := time.After(2 * time.Second)
	for {
		if acked := rb.ackedIDs(); len(acked) == 1 {
			if acked[0] != "7-0" {
				t.Errorf("acked = %v, want [7-0]", acked)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("entry never acked")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBridgeWriteFailureLeavesEntryUnacked(t *testing.T) {
	rb := newRelayBus()
	c := newClient(nil, rb)
	c.writeText = func([]byte) error { return errors.New("broken pipe") }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb.entries <- bus.Entry{ID: "9-0", Data: []byte(`{"request_id":"req-6"}`)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.relayResponses(ctx)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay kept running after a dead connection write")
	}
	if acked := rb.ackedIDs(); len(acked) != 0 {
		t.Errorf("acked = %v, want none for an undelivered entry", acked)
	}
}

func TestBridgeAckFollowsWrite(t *testing.T) {
	rb := newRelayBus()
	c := newClient(nil, rb)

	written := make(chan []byte, 1)
	c.writeText = func(data []byte) error {
		if acked := rb.ackedIDs(); len(acked) != 0 {
			t.Errorf("entry acked before its write: %v", acked)
		}
		written <- data
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.relayResponses(ctx)

	rb.entries <- bus.Entry{ID: "9-1", Data: []byte(`{"request_id":"req-7"}`)}

	var data []byte
	select {
	case data = <-written:
	case <-time.After(2 * time.Second):
		t.Fatal("entry never written")
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	if frame.Type != protocol.FrameAgentResponse {
		t.Errorf("frame type = %s, want %s", frame.Type, protocol.FrameAgentResponse)
	}

	deadline := time.After(2 * time.Second)
	for {
		if acked := rb.ackedIDs(); len(acked) == 1 {
			if acked[0] != "9-1" {
				t.Errorf("acked = %v, want [9-1]", acked)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("entry never acked after write")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBridgeForwardsPanelUpdates(t *testing.T) {
	rb := newRelayBus()
	conn := dialRelay(t, rb)

	payload := `{"type":"logs_panel_update","session_id":"s-1","count":0}`
	rb.panel <- bus.Message{Channel: protocol.ChannelLogsPanel, Payload: payload}

	frame := readFrame(t, conn)
	if frame.Type != protocol.FrameAgentUIState {
		t.Fatalf("frame type = %s, want %s", frame.Type, protocol.FrameAgentUIState)
	}
	if frame.Channel != protocol.ChannelLogsPanel {
		t.Errorf("channel = %q", frame.Channel)
	}
	var forwarded string
	if err := json.Unmarshal(frame.Data, &forwarded); err != nil {
		t.Fatalf("data not a string: %v", err)
	}
	if forwarded != payload {
		t.Errorf("forwarded = %q", forwarded)
	}
}

func TestBridgeIgnoresMalformedFrames(t *testing.T) {
	rb := newRelayBus()
	conn := dialRelay(t, rb)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeFrame(t, conn, protocol.Frame{Type: "mystery"})

	// The connection is still serviceable afterwards.
	writeFrame(t, conn, protocol.Frame{
		Type: protocol.FrameAgentRequest,
		Data: json.RawMessage(`{"request_id":"req-5"}`),
	})
	deadline := time.After(2 * time.Second)
	for len(rb.appendedPayloads()) == 0 {
		select {
		case <-deadline:
			t.Fatal("connection dead after malformed frames")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
