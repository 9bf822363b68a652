package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"botgpt/internal/model"
)

// HistoryCache keeps a conversation's persisted messages in redis. A dirty
// marker set on every append keeps readers from refilling the cache with a
// snapshot taken before the write landed.
type HistoryCache struct {
	client         redisv9.UniversalClient
	historyTTL     time.Duration
	dirtyMarkerTTL time.Duration
}

func NewHistoryCache(client redisv9.UniversalClient, historyTTL, dirtyMarkerTTL time.Duration) *HistoryCache {
	if historyTTL <= 0 {
		historyTTL = 60 * time.Second
	}
	if dirtyMarkerTTL <= 0 {
		dirtyMarkerTTL = 5 * time.Second
	}
	return &HistoryCache{
		client:         client,
		historyTTL:     historyTTL,
		dirtyMarkerTTL: dirtyMarkerTTL,
	}
}

func (c *HistoryCache) GetHistory(ctx context.Context, conversationID uint) ([]model.Message, bool, error) {
	raw, err := c.client.Get(ctx, historyKey(conversationID)).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get history failed: %w", err)
	}

	var messages []model.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached history failed: %w", err)
	}
	return messages, true, nil
}

func (c *HistoryCache) SetHistory(ctx context.Context, conversationID uint, messages []model.Message) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal history cache failed: %w", err)
	}
	if err := c.client.Set(ctx, historyKey(conversationID), payload, c.historyTTL).Err(); err != nil {
		return fmt.Errorf("redis set history failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached history and marks the conversation dirty in
// one round trip.
func (c *HistoryCache) Invalidate(ctx context.Context, conversationID uint) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.Del(ctx, historyKey(conversationID))
		pipe.Set(ctx, dirtyKey(conversationID), "1", c.dirtyMarkerTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate history failed: %w", err)
	}
	return nil
}

func (c *HistoryCache) IsDirty(ctx context.Context, conversationID uint) (bool, error) {
	exists, err := c.client.Exists(ctx, dirtyKey(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check dirty marker failed: %w", err)
	}
	return exists > 0, nil
}

// Ping is used by the health check.
func (c *HistoryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func historyKey(conversationID uint) string {
	return fmt.Sprintf("conversation:history:%d", conversationID)
}

func dirtyKey(conversationID uint) string {
	return fmt.Sprintf("conversation:history:dirty:%d", conversationID)
}
