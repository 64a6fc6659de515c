package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

// maxMessageSize is the largest accepted inbound frame (512KB); gorilla
// closes the connection when exceeded.
const maxMessageSize = 512 * 1024

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second

	// responseBatch is the consumer-group read size on the response stream.
	responseBatch = 10
)

// client is one relayed websocket connection. Its relay tasks share one
// context cancelled when any pump exits, so teardown never leaks a reader.
// All writes go through writeMu: the write pump carries droppable frames and
// pings, while the response relay writes its frames directly so an entry is
// acked only once it is on the wire.
type client struct {
	id   string
	conn *websocket.Conn
	bus  Bus
	send chan []byte

	writeMu   sync.Mutex
	writeText func(data []byte) error
}

func newClient(conn *websocket.Conn, b Bus) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		bus:  b,
		send: make(chan []byte, 256),
	}
	c.writeText = func(data []byte) error {
		return c.writeMessage(websocket.TextMessage, data)
	}
	return c
}

// writeMessage serializes one connection write under the shared lock.
func (c *client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// run drives the connection until the client disconnects or ctx ends.
func (c *client) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	slog.Info("bridge client connected", "client", c.id)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		c.relayResponses(ctx)
	}()
	go func() {
		defer wg.Done()
		c.relayPanel(ctx)
	}()

	c.readPump(ctx)
	cancel()
	wg.Wait()
	slog.Info("bridge client disconnected", "client", c.id)
}

// readPump reads inbound frames until the connection closes.
func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleFrame(ctx, data)
	}
}

// writePump drains the droppable queue and keeps the ping keepalive going.
// It closes the socket on exit, which also unblocks the read pump.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.writeMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			if err := c.writeText(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound frame. Malformed JSON and unknown
// frame types are ignored rather than failing the connection.
func (c *client) handleFrame(ctx context.Context, data []byte) {
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Debug("malformed bridge frame ignored", "client", c.id, "error", err)
		return
	}

	switch frame.Type {
	case protocol.FrameAgentRequest:
		c.forwardRequest(ctx, frame.Data)
	case protocol.FrameSubscribeUI:
		// The panel channel is subscribed for every connection at start.
		slog.Debug("ui subscription acknowledged", "client", c.id, "channel", frame.Channel)
	default:
		slog.Debug("unknown bridge frame ignored", "client", c.id, "type", frame.Type)
	}
}

// forwardRequest appends the frame's data payload to the request stream
// verbatim. Failures go back to the caller as an error frame; the
// connection stays open.
func (c *client) forwardRequest(ctx context.Context, data json.RawMessage) {
	if len(data) == 0 {
		c.enqueueDroppable(protocol.NewErrorFrame("Redis request failed: empty request data"))
		return
	}
	if _, err := c.bus.AppendRequestRaw(ctx, data); err != nil {
		slog.Error("bridge request append failed", "client", c.id, "error", err)
		c.enqueueDroppable(protocol.NewErrorFrame(fmt.Sprintf("Redis request failed: %v", err)))
		return
	}
	slog.Debug("bridge request forwarded", "client", c.id)
}

// relayResponses tails the response stream through the bridge consumer
// group. Each entry is written to the connection directly, and acknowledged
// only after the write succeeds, so an entry lost on a dying connection is
// redelivered to the next consumer. A missing group is an expected startup
// condition: it is recreated and the read retried silently.
func (c *client) relayResponses(ctx context.Context) {
	if err := c.bus.EnsureGroup(ctx, protocol.StreamResponses, protocol.BridgeGroup); err != nil {
		if ctx.Err() == nil {
			slog.Error("bridge group create failed", "client", c.id, "error", err)
		}
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := c.bus.ReadGroup(ctx, protocol.StreamResponses, protocol.BridgeGroup, protocol.BridgeConsumer, responseBatch, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if bus.IsNoGroup(err) {
				if err := c.bus.EnsureGroup(ctx, protocol.StreamResponses, protocol.BridgeGroup); err != nil && ctx.Err() == nil {
					slog.Error("bridge group recreate failed", "client", c.id, "error", err)
					return
				}
				continue
			}
			slog.Warn("bridge response read failed", "client", c.id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			if err := c.writeFrame(protocol.NewResponseFrame(string(entry.Data))); err != nil {
				// Connection going away: leave the entry unacked for the
				// next consumer.
				if ctx.Err() == nil {
					slog.Warn("bridge response write failed", "client", c.id, "entry_id", entry.ID, "error", err)
				}
				return
			}
			if err := c.bus.Ack(ctx, protocol.StreamResponses, protocol.BridgeGroup, entry.ID); err != nil && ctx.Err() == nil {
				slog.Warn("bridge ack failed", "client", c.id, "entry_id", entry.ID, "error", err)
			}
		}
	}
}

// relayPanel forwards UI panel updates. Panel frames are droppable: each
// carries the full panel state, so a skipped frame is superseded by the
// next one.
func (c *client) relayPanel(ctx context.Context) {
	sub, err := c.bus.Subscribe(ctx, protocol.ChannelLogsPanel)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("bridge panel subscribe failed", "client", c.id, "error", err)
		}
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			c.enqueueDroppable(protocol.NewUIStateFrame(msg.Channel, msg.Payload))
		}
	}
}

// writeFrame encodes one frame and puts it on the wire, serialized with the
// write pump. Callers hold back their ack until it returns nil.
func (c *client) writeFrame(frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.writeText(data)
}

// enqueueDroppable queues one frame without blocking, dropping it when the
// send buffer is full.
func (c *client) enqueueDroppable(frame protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("bridge frame encode failed", "client", c.id, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("bridge send buffer full, dropping frame", "client", c.id, "type", frame.Type)
	}
}
