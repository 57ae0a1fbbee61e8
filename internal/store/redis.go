package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/redis/go-redis/v9"
)

// unperiodized groups series that carry no period label.
const unperiodized = "none"

type redisCommander interface {
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HExists(ctx context.Context, key, field string) *redis.BoolCmd
	HLen(ctx context.Context, key string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisStoreConfig configures the Redis-backed metric store.
type RedisStoreConfig struct {
	Namespace string
	MaxSeries int
}

// RedisStore keeps metric points in Redis so every replica exports the same
// values. Series are grouped into one hash per reporting period:
//
//	<ns>:metrics:periods          set of known periods
//	<ns>:metrics:period:<period>  series key -> JSON encoded point
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
	maxSeries int
}

type storedPoint struct {
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Value       float64           `json:"value"`
	UpdatedAtMS int64             `json:"updated_at_ms"`
}

// NewRedisStore creates a Redis-backed metric store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "bitbucket-pr-metrics"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
		maxSeries: cfg.MaxSeries,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// UpsertMetric inserts or replaces the series identified by name and labels
// within the hash of the point's period.
func (s *RedisStore) UpsertMetric(ctx context.Context, point MetricPoint) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := validatePoint(point); err != nil {
		return err
	}

	period := periodOf(point)
	periodKey := s.periodKey(period)
	seriesKey := metricKey(point.Name, point.Labels)

	exists, err := s.client.HExists(ctx, periodKey, seriesKey).Result()
	if err != nil {
		return fmt.Errorf("check series %q: %w", seriesKey, err)
	}
	if !exists && s.maxSeries > 0 {
		count, err := s.seriesCount(ctx)
		if err != nil {
			return err
		}
		if count >= int64(s.maxSeries) {
			return fmt.Errorf("max series budget exceeded")
		}
	}

	encoded, err := json.Marshal(storedPoint{
		Name:        point.Name,
		Labels:      point.Labels,
		Value:       point.Value,
		UpdatedAtMS: point.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode series %q: %w", seriesKey, err)
	}

	if err := s.client.HSet(ctx, periodKey, seriesKey, string(encoded)).Err(); err != nil {
		return fmt.Errorf("write series %q: %w", seriesKey, err)
	}
	if err := s.client.SAdd(ctx, s.periodsKey(), period).Err(); err != nil {
		return fmt.Errorf("register period %q: %w", period, err)
	}
	return nil
}

// Snapshot returns all readable series sorted by series key. Unreadable
// series and periods are skipped.
func (s *RedisStore) Snapshot(ctx context.Context) []MetricPoint {
	if s == nil || s.client == nil {
		return nil
	}

	periods, err := s.client.SMembers(ctx, s.periodsKey()).Result()
	if err != nil {
		return nil
	}

	result := make([]MetricPoint, 0)
	for _, period := range periods {
		series, err := s.client.HGetAll(ctx, s.periodKey(period)).Result()
		if err != nil {
			continue
		}
		for _, raw := range series {
			point, ok := decodeStoredPoint(raw)
			if !ok {
				continue
			}
			result = append(result, point)
		}
	}

	sortPoints(result)
	return result
}

func (s *RedisStore) seriesCount(ctx context.Context) (int64, error) {
	periods, err := s.client.SMembers(ctx, s.periodsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list periods: %w", err)
	}
	var total int64
	for _, period := range periods {
		n, err := s.client.HLen(ctx, s.periodKey(period)).Result()
		if err != nil {
			return 0, fmt.Errorf("count series for period %q: %w", period, err)
		}
		total += n
	}
	return total, nil
}

func decodeStoredPoint(raw string) (MetricPoint, bool) {
	var stored storedPoint
	if err := json.Unmarshal([]byte(raw), &stored); err != nil || stored.Name == "" {
		return MetricPoint{}, false
	}
	return MetricPoint{
		Name:      stored.Name,
		Labels:    maps.Clone(stored.Labels),
		Value:     stored.Value,
		UpdatedAt: time.UnixMilli(stored.UpdatedAtMS),
	}, true
}

func periodOf(point MetricPoint) string {
	if period := point.Labels["period"]; period != "" {
		return period
	}
	return unperiodized
}

func (s *RedisStore) periodsKey() string {
	return s.namespace + ":metrics:periods"
}

func (s *RedisStore) periodKey(period string) string {
	return s.namespace + ":metrics:period:" + period
}
