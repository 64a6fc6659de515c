package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/agentrun/pkg/protocol"
)

// EnvelopeEntry is one decoded record from a point-to-point stream.
type EnvelopeEntry struct {
	ID       string
	Envelope protocol.Envelope
	Payload  []byte
}

// PublishEnvelope appends one envelope and payload to the recipient's
// stream. Audit-tagged envelopes are mirrored to the audit stream.
func (c *Client) PublishEnvelope(ctx context.Context, env protocol.Envelope, payload any) error {
	if env.Recipient == "" {
		return errors.New("envelope has no recipient")
	}
	values, err := envelopeValues(env, payload)
	if err != nil {
		return err
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: protocol.EnvelopeStream(env.Recipient),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("append envelope for %s: %w", env.Recipient, err)
	}
	if len(env.Audit.Tags) > 0 {
		err = c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: protocol.EnvelopeAuditStream,
			Values: values,
		}).Err()
		if err != nil {
			return fmt.Errorf("append audit mirror: %w", err)
		}
	}
	return nil
}

// RequestEnvelope publishes env and blocks for the correlated reply on the
// envelope's response stream, deleting the stream after receipt. It returns
// the reply payload, or an error after timeout.
func (c *Client) RequestEnvelope(ctx context.Context, env protocol.Envelope, payload any, timeout time.Duration) ([]byte, error) {
	if err := c.PublishEnvelope(ctx, env, payload); err != nil {
		return nil, err
	}
	respStream := protocol.EnvelopeResponseStream(env.MessageID)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{respStream, "0"},
			Count:   1,
			Block:   100 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("read envelope reply: %w", err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				data, ok := msg.Values["payload"].(string)
				if !ok {
					continue
				}
				c.rdb.Del(ctx, respStream)
				return []byte(data), nil
			}
		}
	}
	return nil, fmt.Errorf("request timeout after %dms", timeout.Milliseconds())
}

// RespondEnvelope replies to a received envelope on its response stream.
func (c *Client) RespondEnvelope(ctx context.Context, request protocol.Envelope, payload any) error {
	resp := protocol.NewEnvelope(request.Protocol, "response").
		From(request.Recipient).
		To(request.Sender).
		WithCorrelation(request.CorrelationID)
	values, err := envelopeValues(resp, payload)
	if err != nil {
		return err
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: protocol.EnvelopeResponseStream(request.MessageID),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("append envelope reply: %w", err)
	}
	return nil
}

// ReadEnvelopes reads up to ten envelopes past lastID for one recipient,
// blocking up to block. Records with an undecodable envelope field are
// skipped. The next cursor is returned alongside the entries.
func (c *Client) ReadEnvelopes(ctx context.Context, recipient, lastID string, block time.Duration) ([]EnvelopeEntry, string, error) {
	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{protocol.EnvelopeStream(recipient), lastID},
		Count:   10,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("read envelopes for %s: %w", recipient, err)
	}
	next := lastID
	var entries []EnvelopeEntry
	for _, s := range streams {
		for _, msg := range s.Messages {
			next = msg.ID
			envData, ok := msg.Values["envelope"].(string)
			if !ok {
				continue
			}
			var env protocol.Envelope
			if err := json.Unmarshal([]byte(envData), &env); err != nil {
				continue
			}
			entry := EnvelopeEntry{ID: msg.ID, Envelope: env}
			if payload, ok := msg.Values["payload"].(string); ok {
				entry.Payload = []byte(payload)
			}
			entries = append(entries, entry)
		}
	}
	return entries, next, nil
}

func envelopeValues(env protocol.Envelope, payload any) (map[string]interface{}, error) {
	envData, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	payloadData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode envelope payload: %w", err)
	}
	return map[string]interface{}{
		"envelope": envData,
		"payload":  payloadData,
	}, nil
}
