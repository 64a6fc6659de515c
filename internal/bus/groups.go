package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// EnsureGroup creates a consumer group reading the stream from the start,
// creating the stream if needed. An already-existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// IsNoGroup reports whether err is the missing-consumer-group reply, an
// expected startup condition callers retry after re-creating the group.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// ReadGroup reads up to count undelivered entries for one consumer,
// blocking up to block. An empty read is not an error.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group %s on %s: %w", group, stream, err)
	}
	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			if data, ok := msg.Values["data"].(string); ok {
				entries = append(entries, Entry{ID: msg.ID, Data: []byte(data)})
			}
		}
	}
	return entries, nil
}

// HasGroup reports whether a consumer group exists on a stream. A missing
// stream counts as a missing group.
func (c *Client) HasGroup(ctx context.Context, stream, group string) (bool, error) {
	groups, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(err.Error(), "no such key") {
			return false, nil
		}
		return false, fmt.Errorf("inspect groups on %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name == group {
			return true, nil
		}
	}
	return false, nil
}

// Ack acknowledges delivered entries for one group.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", group, stream, err)
	}
	return nil
}
