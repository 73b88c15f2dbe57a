// Package sinks holds the best-effort collaborators the orchestrator feeds:
// per-result history and end-of-batch exports.
package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/genbatch/pkg/models"
)

// HistoryEntry is what gets written for each successful config
type HistoryEntry struct {
	BatchID    string                 `json:"batch_id"`
	ConfigID   string                 `json:"config_id"`
	ConfigName string                 `json:"config_name"`
	Result     map[string]interface{} `json:"result"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// listWriter is the part of the redis client RedisHistory needs
type listWriter interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// RedisHistory keeps the most recent generated results in a capped Redis list
type RedisHistory struct {
	client listWriter
	key    string
	maxLen int64
}

// NewRedisHistory creates a history sink on an existing client.
// maxLen <= 0 keeps the list unbounded.
func NewRedisHistory(client redis.Cmdable, key string, maxLen int64) *RedisHistory {
	return newRedisHistory(client, key, maxLen)
}

func newRedisHistory(client listWriter, key string, maxLen int64) *RedisHistory {
	if key == "" {
		key = "genbatch:history"
	}
	return &RedisHistory{client: client, key: key, maxLen: maxLen}
}

// DialRedisHistory connects to addr and verifies the connection
func DialRedisHistory(ctx context.Context, addr, password string, db int, key string, maxLen int64) (*RedisHistory, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisHistory(client, key, maxLen), client, nil
}

// Record pushes one successful result onto the history list
func (h *RedisHistory) Record(ctx context.Context, batchID string, result models.JobResult) error {
	entry := HistoryEntry{
		BatchID:    batchID,
		ConfigID:   result.ConfigID,
		ConfigName: result.ConfigName,
		Result:     result.Result,
		RecordedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	if err := h.client.LPush(ctx, h.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push history entry: %w", err)
	}
	if h.maxLen > 0 {
		if err := h.client.LTrim(ctx, h.key, 0, h.maxLen-1).Err(); err != nil {
			return fmt.Errorf("failed to trim history: %w", err)
		}
	}
	return nil
}
