package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/agentrun/pkg/protocol"
)

// RegisterAgent stores the agent's registry record and indexes it under
// each advertised capability.
func (c *Client) RegisterAgent(ctx context.Context, info protocol.AgentInfo) error {
	rec := protocol.RegistryRecord{
		ID:           info.ID,
		Capabilities: info.Protocols(),
		RegisteredAt: time.Now().UTC(),
		Status:       "active",
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode registry record: %w", err)
	}
	if err := c.rdb.Set(ctx, protocol.RegistryKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("register %s: %w", rec.ID, err)
	}
	for _, capability := range rec.Capabilities {
		if err := c.rdb.SAdd(ctx, protocol.CapabilityKey(capability), rec.ID).Err(); err != nil {
			return fmt.Errorf("index %s under %s: %w", rec.ID, capability, err)
		}
	}
	return nil
}

// FindAgentsByCapability returns the ids of agents advertising one
// capability string.
func (c *Client) FindAgentsByCapability(ctx context.Context, capability string) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, protocol.CapabilityKey(capability)).Result()
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", capability, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListAgents returns every registry record, sorted by agent id.
func (c *Client) ListAgents(ctx context.Context) ([]protocol.RegistryRecord, error) {
	var records []protocol.RegistryRecord
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, protocol.RegistryKey("*"), 50).Result()
		if err != nil {
			return nil, fmt.Errorf("scan registry: %w", err)
		}
		for _, key := range keys {
			data, err := c.rdb.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get %s: %w", key, err)
			}
			var rec protocol.RegistryRecord
			if err := json.Unmarshal([]byte(data), &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}
