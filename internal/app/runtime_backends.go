package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/bitbucket"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/cache"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/config"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/metrics"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

type runtimeBackends struct {
	// snapshot is nil when the cache runs memory-only.
	snapshot        cache.SnapshotStore
	results         store.Store
	snapshotHealthy bool
	close           func() error
}

// NewRuntimeFromConfig builds the Bitbucket client, cache, metrics engine, and
// result store described by cfg.
func NewRuntimeFromConfig(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	clientMetrics, err := bitbucket.NewClientMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register bitbucket metrics: %w", err)
	}
	cacheMetrics, err := cache.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register cache metrics: %w", err)
	}

	client, err := bitbucket.NewClient(bitbucket.ClientConfig{
		BaseURL:           cfg.Bitbucket.BaseURL,
		Credentials:       cfg.Bitbucket.Credentials(),
		RequestTimeout:    cfg.Bitbucket.RequestTimeout,
		RequestsPerSecond: cfg.Bitbucket.RequestsPerSecond,
		MaxWorkers:        cfg.Bitbucket.MaxWorkers,
		PageSize:          cfg.Bitbucket.PageSize,
		Metrics:           clientMetrics,
		Logger:            logger.Named("bitbucket"),
	})
	if err != nil {
		return nil, err
	}

	zone, err := cfg.Metrics.ReviewLocation()
	if err != nil {
		return nil, fmt.Errorf("load review time zone: %w", err)
	}
	mode, err := metrics.ParsePrefilterMode(cfg.Metrics.PrefilterMode)
	if err != nil {
		return nil, err
	}

	backends := newRuntimeBackends(cfg, logger)
	engine, err := metrics.NewEngine(metrics.Config{
		Source: client,
		Cache: cache.New(cache.Config{
			Snapshot: backends.snapshot,
			Metrics:  cacheMetrics,
			Logger:   logger.Named("cache"),
		}),
		Workers:              client.MaxWorkers(),
		ReviewZone:           zone,
		PrefilterMode:        mode,
		SequentialPagination: cfg.Bitbucket.SequentialPagination,
		Logger:               logger.Named("metrics"),
	})
	if err != nil {
		_ = backends.close()
		return nil, err
	}

	logger.Info("runtime backends ready",
		zap.String("auth_scheme", string(client.Scheme())),
		zap.String("cache", engine.CacheDescription()),
		zap.Bool("cache_snapshot_healthy", backends.snapshotHealthy),
		zap.Int("max_workers", client.MaxWorkers()),
		zap.Int("page_size", client.PageSize()),
	)

	return NewRuntime(cfg, Dependencies{
		Engine:          engine,
		Results:         backends.results,
		Registry:        registry,
		SnapshotHealthy: backends.snapshotHealthy,
		Close:           backends.close,
	}, logger), nil
}

func newRuntimeBackends(cfg *config.Config, logger *zap.Logger) runtimeBackends {
	backends := runtimeBackends{
		results:         store.NewMemoryStore(0),
		snapshotHealthy: true,
		close:           func() error { return nil },
	}
	if cfg == nil {
		return backends
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Backend)) {
	case "file":
		backends.snapshot = cache.NewFileSnapshot(cfg.Cache.SnapshotPath)
	case "redis":
		client, err := newRedisClientFromConfig(cfg.Cache)
		if err != nil {
			logger.Warn("failed to initialize redis cache; falling back to in-memory cache", zap.Error(err))
			backends.snapshotHealthy = false
			return backends
		}
		backends.snapshot = cache.NewRedisSnapshot(client, cache.RedisSnapshotConfig{Namespace: cfg.Cache.RedisNamespace})
		backends.results = store.NewRedisStore(client, store.RedisStoreConfig{Namespace: cfg.Cache.RedisNamespace})
		backends.close = client.Close
	}
	return backends
}

func newRedisClientFromConfig(cfg config.CacheConfig) (redis.UniversalClient, error) {
	var redisClient redis.UniversalClient
	if strings.EqualFold(cfg.RedisMode, "sentinel") {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.RedisMasterSet,
			SentinelAddrs: cfg.RedisSentinelAddrs,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return redisClient, nil
}
