// Package bus wraps one Redis connection with the operations the runtime
// uses: request/response/activity streams, capped log lists, pub/sub
// fanout, the agent registry, consumer groups for the bridge relay, and the
// point-to-point envelope layer. Handles are cheap; each component owns its
// own and no locking is needed across them.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/agentrun/pkg/protocol"
)

// ErrAwaitTimeout is returned when a correlated response does not appear
// within the caller's attempt budget.
var ErrAwaitTimeout = errors.New("response wait timed out")

// Client is one bus handle.
type Client struct {
	rdb *redis.Client
}

// New connects to the bus at a redis:// URL. The connection is lazy; use
// Ping to verify reachability.
func New(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Probe is the cheap liveness check agents use for health reporting.
func (c *Client) Probe(ctx context.Context) error {
	return c.rdb.Exists(ctx, "test_key").Err()
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Entry is one raw stream record: its stream id and the JSON payload held
// in the data field.
type Entry struct {
	ID   string
	Data []byte
}

func (c *Client) appendJSON(ctx context.Context, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s record: %w", stream, err)
	}
	return c.appendRaw(ctx, stream, data)
}

func (c *Client) appendRaw(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append %s: %w", stream, err)
	}
	return id, nil
}

// AppendRequest appends one request record to the request stream.
func (c *Client) AppendRequest(ctx context.Context, req protocol.AgentRequest) (string, error) {
	return c.appendJSON(ctx, protocol.StreamRequests, req)
}

// AppendRequestRaw appends a caller-provided request payload verbatim. The
// bridge relay uses this to forward client data without reshaping it.
func (c *Client) AppendRequestRaw(ctx context.Context, payload []byte) (string, error) {
	return c.appendRaw(ctx, protocol.StreamRequests, payload)
}

// AppendResponse appends one response record to the response stream.
func (c *Client) AppendResponse(ctx context.Context, resp protocol.AgentResponse) (string, error) {
	return c.appendJSON(ctx, protocol.StreamResponses, resp)
}

// AppendStreamData appends a side-channel streaming record to the response
// stream.
func (c *Client) AppendStreamData(ctx context.Context, data protocol.StreamData) (string, error) {
	return c.appendJSON(ctx, protocol.StreamResponses, data)
}

// AppendActivity appends one audit-trail record to the activity stream.
func (c *Client) AppendActivity(ctx context.Context, act protocol.AgentActivity) (string, error) {
	return c.appendJSON(ctx, protocol.StreamActivities, act)
}

// ReadRequests reads at most one request past lastID, blocking up to block
// when the stream is caught up. It returns the entries and the next cursor;
// an empty read is not an error.
func (c *Client) ReadRequests(ctx context.Context, lastID string, block time.Duration) ([]Entry, string, error) {
	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{protocol.StreamRequests, lastID},
		Count:   1,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("read requests: %w", err)
	}
	next := lastID
	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			if data, ok := msg.Values["data"].(string); ok {
				entries = append(entries, Entry{ID: msg.ID, Data: []byte(data)})
			}
			next = msg.ID
		}
	}
	return entries, next, nil
}

// AwaitResponse polls the response stream for a record matching requestID,
// sleeping interval before each scan and giving up after attempts rounds
// with ErrAwaitTimeout. Each round scans the stream from the start; entries
// without a request_id field (streaming pushes) are skipped.
func (c *Client) AwaitResponse(ctx context.Context, requestID string, interval time.Duration, attempts int) ([]byte, error) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		timer.Reset(interval)

		streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{protocol.StreamResponses, "0"},
			Block:   -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("scan responses: %w", err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				var probe struct {
					RequestID string `json:"request_id"`
				}
				if err := json.Unmarshal([]byte(data), &probe); err != nil {
					continue
				}
				if probe.RequestID == requestID {
					return []byte(data), nil
				}
			}
		}
	}
	return nil, ErrAwaitTimeout
}

// PushLog pushes one mirror line onto the capped lists: logs:all plus the
// category and level lists when set. Every list is trimmed to the cap on
// every write.
func (c *Client) PushLog(ctx context.Context, entry protocol.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range logListKeys(entry) {
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, protocol.LogListCap-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("push log entry: %w", err)
	}
	return nil
}

// PublishLog publishes one mirror line on the live channels: logs:stream
// plus the category and level channels when set.
func (c *Client) PublishLog(ctx context.Context, entry protocol.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	for _, channel := range logChannels(entry) {
		if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", channel, err)
		}
	}
	return nil
}

// PublishJSON publishes v JSON-encoded on one channel.
func (c *Client) PublishJSON(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", channel, err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func logListKeys(entry protocol.LogEntry) []string {
	keys := []string{protocol.ListLogsAll}
	if entry.Category != "" {
		keys = append(keys, protocol.CategoryKey(string(entry.Category)))
	}
	if entry.Level != "" {
		keys = append(keys, protocol.LevelKey(string(entry.Level)))
	}
	return keys
}

func logChannels(entry protocol.LogEntry) []string {
	channels := []string{protocol.ChannelLogStream}
	if entry.Category != "" {
		channels = append(channels, protocol.CategoryKey(string(entry.Category)))
	}
	if entry.Level != "" {
		channels = append(channels, protocol.LevelKey(string(entry.Level)))
	}
	return channels
}

// RecentLogs returns the newest n entries of one log list.
func (c *Client) RecentLogs(ctx context.Context, key string, n int64) ([]string, error) {
	out, err := c.rdb.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	return out, nil
}

// LogDepth returns the length of one log list.
func (c *Client) LogDepth(ctx context.Context, key string) (int64, error) {
	depth, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return depth, nil
}

// StreamDepth returns the length of one stream.
func (c *Client) StreamDepth(ctx context.Context, stream string) (int64, error) {
	depth, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return depth, nil
}

// ClearStreams empties the request, response, and activity streams. Run at
// startup when stale traffic from a previous run should be discarded.
func (c *Client) ClearStreams(ctx context.Context) error {
	for _, stream := range []string{protocol.StreamRequests, protocol.StreamResponses, protocol.StreamActivities} {
		if err := c.rdb.XTrimMaxLen(ctx, stream, 0).Err(); err != nil {
			return fmt.Errorf("clear %s: %w", stream, err)
		}
	}
	return nil
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Callers must Close it; the
// message channel closes afterwards.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

// Subscribe opens a subscription on the given channels, confirmed before
// returning.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := c.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}
	sub := &redisSubscription{pubsub: ps, out: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		select {
		case s.out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
		default:
			slog.Warn("pubsub subscriber lagging, dropping message", "channel", msg.Channel)
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }
