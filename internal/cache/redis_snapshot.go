package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisSnapshotConfig configures the Redis-backed snapshot tier.
type RedisSnapshotConfig struct {
	Namespace string
}

// RedisSnapshot stores the whole cache snapshot as one JSON string under a single key.
type RedisSnapshot struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewRedisSnapshot creates a snapshot store over a Redis client.
func NewRedisSnapshot(client redis.UniversalClient, cfg RedisSnapshotConfig) *RedisSnapshot {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisSnapshotFromCommander(client, closeFn, cfg)
}

func newRedisSnapshotFromCommander(client redisCommander, closeFn func() error, cfg RedisSnapshotConfig) *RedisSnapshot {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "bitbucket-pr-metrics"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisSnapshot{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Close closes the underlying Redis client.
func (s *RedisSnapshot) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Describe implements SnapshotStore.
func (s *RedisSnapshot) Describe() string {
	return "redis:" + s.key()
}

// Load reads the snapshot. A missing key yields an empty snapshot.
func (s *RedisSnapshot) Load(ctx context.Context) (Snapshot, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis snapshot is not initialized")
	}

	raw, err := s.client.Get(ctx, s.key()).Result()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot key: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// Save replaces the snapshot key.
func (s *RedisSnapshot) Save(ctx context.Context, snapshot Snapshot) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis snapshot is not initialized")
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(), string(payload), 0).Err(); err != nil {
		return fmt.Errorf("write snapshot key: %w", err)
	}
	return nil
}

// Remove deletes the snapshot key.
func (s *RedisSnapshot) Remove(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis snapshot is not initialized")
	}
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("delete snapshot key: %w", err)
	}
	return nil
}

func (s *RedisSnapshot) key() string {
	return s.namespace + ":snapshot"
}
