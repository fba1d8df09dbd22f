package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"aichat/internal/model"
)

// HistoryCache keeps a session's ordered message list in Redis. A short-lived
// dirty marker set on every write keeps readers from repopulating the cache
// with a list that is already stale.
type HistoryCache struct {
	client         *redisv9.Client
	historyTTL     time.Duration
	dirtyMarkerTTL time.Duration
}

func NewHistoryCache(client *redisv9.Client, historyTTL, dirtyMarkerTTL time.Duration) *HistoryCache {
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

func (c *HistoryCache) GetHistory(ctx context.Context, sessionID string) ([]model.Message, bool, error) {
	raw, err := c.client.Get(ctx, historyKey(sessionID)).Bytes()
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

// SetHistoryIfClean stores the list only while no dirty marker exists. The
// marker key is watched, so an Invalidate racing with the store aborts it.
func (c *HistoryCache) SetHistoryIfClean(ctx context.Context, sessionID string, messages []model.Message) (bool, error) {
	payload, err := json.Marshal(messages)
	if err != nil {
		return false, fmt.Errorf("marshal history cache failed: %w", err)
	}

	stored := false
	err = c.client.Watch(ctx, func(tx *redisv9.Tx) error {
		dirty, err := tx.Exists(ctx, dirtyKey(sessionID)).Result()
		if err != nil {
			return err
		}
		if dirty > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
			pipe.Set(ctx, historyKey(sessionID), payload, c.historyTTL)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, dirtyKey(sessionID))
	if errors.Is(err, redisv9.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis set history failed: %w", err)
	}
	return stored, nil
}

func (c *HistoryCache) DeleteHistory(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, historyKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete history failed: %w", err)
	}
	return nil
}

// Invalidate marks the session dirty and drops the cached list in one round trip.
func (c *HistoryCache) Invalidate(ctx context.Context, sessionID string) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, dirtyKey(sessionID), "1", c.dirtyMarkerTTL)
	pipe.Del(ctx, historyKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate history failed: %w", err)
	}
	return nil
}

func (c *HistoryCache) IsDirty(ctx context.Context, sessionID string) (bool, error) {
	exists, err := c.client.Exists(ctx, dirtyKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check dirty marker failed: %w", err)
	}
	return exists > 0, nil
}

func historyKey(sessionID string) string {
	return "chat:history:" + sessionID
}

func dirtyKey(sessionID string) string {
	return "chat:history:dirty:" + sessionID
}
