package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/bitbucket"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels      = []string{"debug", "info", "warn", "error"}
	validCacheBackends  = []string{"memory", "file", "redis"}
	validPrefilterModes = []string{"state_and_date", "date_only"}
)

// Environment variables that override credentials from the file.
const (
	EnvToken    = "BITBUCKET_TOKEN"
	EnvUsername = "BITBUCKET_USERNAME"
	EnvPassword = "BITBUCKET_PASSWORD"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	Bitbucket BitbucketConfig
	Metrics   MetricsConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig
	Projects  []string
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// BitbucketConfig configures the REST client.
type BitbucketConfig struct {
	BaseURL              string
	Token                string
	Username             string
	Password             string
	RequestTimeout       time.Duration
	MaxWorkers           int
	RequestsPerSecond    float64
	PageSize             int
	SequentialPagination bool
}

// Credentials returns the configured credential set.
func (b BitbucketConfig) Credentials() bitbucket.Credentials {
	return bitbucket.Credentials{Token: b.Token, Username: b.Username, Password: b.Password}
}

// MetricsConfig configures metric computation.
type MetricsConfig struct {
	ReviewTimeZone  string
	PrefilterMode   string
	CollectInterval time.Duration
}

// ReviewLocation resolves ReviewTimeZone.
func (m MetricsConfig) ReviewLocation() (*time.Location, error) {
	return time.LoadLocation(m.ReviewTimeZone)
}

// CacheConfig configures the detail cache and its snapshot tier.
type CacheConfig struct {
	Backend            string
	SnapshotPath       string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	RedisNamespace     string
	CleanupOnExit      bool
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return LoadWithEnv(reader, nil)
}

// LoadWithEnv is Load with credential overrides read through lookup.
// A nil lookup disables overrides.
func LoadWithEnv(reader io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	if lookup != nil {
		cfg.applyEnv(lookup)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	token, hasToken := lookup(EnvToken)
	username, hasUsername := lookup(EnvUsername)
	password, hasPassword := lookup(EnvPassword)

	// An environment credential replaces the file's scheme entirely.
	if hasToken && token != "" {
		c.Bitbucket.Token = token
		c.Bitbucket.Username = ""
		c.Bitbucket.Password = ""
		return
	}
	if (hasUsername && username != "") || (hasPassword && password != "") {
		c.Bitbucket.Token = ""
		if hasUsername {
			c.Bitbucket.Username = username
		}
		if hasPassword {
			c.Bitbucket.Password = password
		}
	}
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if strings.TrimSpace(c.Bitbucket.BaseURL) == "" {
		errs = append(errs, "bitbucket.base_url is required")
	} else if parsed, err := url.Parse(c.Bitbucket.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs = append(errs, "bitbucket.base_url must be an absolute URL")
	}
	if _, err := c.Bitbucket.Credentials().Scheme(); err != nil {
		errs = append(errs, "bitbucket credentials: "+err.Error())
	}
	if c.Bitbucket.RequestTimeout <= 0 {
		errs = append(errs, "bitbucket.request_timeout must be > 0")
	}
	if c.Bitbucket.MaxWorkers <= 0 {
		errs = append(errs, "bitbucket.max_workers must be > 0")
	}
	if c.Bitbucket.RequestsPerSecond <= 0 {
		errs = append(errs, "bitbucket.requests_per_second must be > 0")
	}
	if c.Bitbucket.PageSize <= 0 {
		errs = append(errs, "bitbucket.page_size must be > 0")
	}

	if _, err := c.Metrics.ReviewLocation(); err != nil {
		errs = append(errs, fmt.Sprintf("metrics.review_time_zone %q is not a known time zone", c.Metrics.ReviewTimeZone))
	}
	if !slices.Contains(validPrefilterModes, c.Metrics.PrefilterMode) {
		errs = append(errs, "metrics.prefilter_mode must be state_and_date or date_only")
	}
	if c.Metrics.CollectInterval < 0 {
		errs = append(errs, "metrics.collect_interval must be >= 0")
	}

	if !slices.Contains(validCacheBackends, c.Cache.Backend) {
		errs = append(errs, "cache.backend must be one of memory|file|redis")
	}
	if c.Cache.Backend == "file" && strings.TrimSpace(c.Cache.SnapshotPath) == "" {
		errs = append(errs, "cache.snapshot_path is required when cache.backend=file")
	}
	if c.Cache.RedisMode != "standalone" && c.Cache.RedisMode != "sentinel" {
		errs = append(errs, "cache.redis_mode must be standalone or sentinel")
	}
	if c.Cache.Backend == "redis" {
		if c.Cache.RedisMode == "standalone" && strings.TrimSpace(c.Cache.RedisAddr) == "" {
			errs = append(errs, "cache.redis_addr is required when cache.backend=redis")
		}
		if c.Cache.RedisMode == "sentinel" && len(c.Cache.RedisSentinelAddrs) == 0 {
			errs = append(errs, "cache.redis_sentinel_addrs is required when cache.redis_mode=sentinel")
		}
		if c.Cache.RedisMode == "sentinel" && strings.TrimSpace(c.Cache.RedisMasterSet) == "" {
			errs = append(errs, "cache.redis_master_set is required when cache.redis_mode=sentinel")
		}
	}

	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be between 0 and 1")
	}

	if len(c.Projects) == 0 {
		errs = append(errs, "projects must contain at least one PROJECT/REPO entry")
	}
	seenProjects := make(map[string]struct{}, len(c.Projects))
	for i, project := range c.Projects {
		owner, repo, err := bitbucket.ParseRepositoryPath(project)
		if err != nil {
			errs = append(errs, fmt.Sprintf("projects[%d] must be PROJECT/REPO", i))
			continue
		}
		normalized := owner + "/" + repo
		if _, ok := seenProjects[normalized]; ok {
			errs = append(errs, "projects contains duplicate entry: "+normalized)
		}
		seenProjects[normalized] = struct{}{}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Bitbucket.RequestTimeout == 0 {
		cfg.Bitbucket.RequestTimeout = 30 * time.Second
	}
	if cfg.Bitbucket.MaxWorkers == 0 {
		cfg.Bitbucket.MaxWorkers = 10
	}
	if cfg.Bitbucket.RequestsPerSecond == 0 {
		cfg.Bitbucket.RequestsPerSecond = 10
	}
	if cfg.Bitbucket.PageSize == 0 {
		cfg.Bitbucket.PageSize = 1000
	}
	if cfg.Metrics.ReviewTimeZone == "" {
		cfg.Metrics.ReviewTimeZone = "UTC"
	}
	if cfg.Metrics.PrefilterMode == "" {
		cfg.Metrics.PrefilterMode = "state_and_date"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "file"
	}
	if cfg.Cache.Backend == "file" && cfg.Cache.SnapshotPath == "" {
		cfg.Cache.SnapshotPath = "pr_cache.json"
	}
	if cfg.Cache.RedisMode == "" {
		cfg.Cache.RedisMode = "standalone"
	}
	if cfg.Cache.RedisNamespace == "" {
		cfg.Cache.RedisNamespace = "bitbucket-pr-metrics"
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "sampled"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig `yaml:"server"`
	Bitbucket rawBitbucket `yaml:"bitbucket"`
	Metrics   rawMetrics   `yaml:"metrics"`
	Cache     rawCache     `yaml:"cache"`
	Telemetry rawTelemetry `yaml:"telemetry"`
	Projects  []string     `yaml:"projects"`
}

type rawBitbucket struct {
	BaseURL              string   `yaml:"base_url"`
	Token                string   `yaml:"token"`
	Username             string   `yaml:"username"`
	Password             string   `yaml:"password"`
	RequestTimeout       duration `yaml:"request_timeout"`
	MaxWorkers           int      `yaml:"max_workers"`
	RequestsPerSecond    float64  `yaml:"requests_per_second"`
	PageSize             int      `yaml:"page_size"`
	SequentialPagination bool     `yaml:"sequential_pagination"`
}

type rawMetrics struct {
	ReviewTimeZone  string   `yaml:"review_time_zone"`
	PrefilterMode   string   `yaml:"prefilter_mode"`
	CollectInterval duration `yaml:"collect_interval"`
}

type rawCache struct {
	Backend            string   `yaml:"backend"`
	SnapshotPath       string   `yaml:"snapshot_path"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	RedisNamespace     string   `yaml:"redis_namespace"`
	CleanupOnExit      bool     `yaml:"cleanup_on_exit"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: r.Server,
		Bitbucket: BitbucketConfig{
			BaseURL:              strings.TrimSpace(r.Bitbucket.BaseURL),
			Token:                r.Bitbucket.Token,
			Username:             r.Bitbucket.Username,
			Password:             r.Bitbucket.Password,
			RequestTimeout:       r.Bitbucket.RequestTimeout.Duration,
			MaxWorkers:           r.Bitbucket.MaxWorkers,
			RequestsPerSecond:    r.Bitbucket.RequestsPerSecond,
			PageSize:             r.Bitbucket.PageSize,
			SequentialPagination: r.Bitbucket.SequentialPagination,
		},
		Metrics: MetricsConfig{
			ReviewTimeZone:  strings.TrimSpace(r.Metrics.ReviewTimeZone),
			PrefilterMode:   strings.ToLower(strings.TrimSpace(r.Metrics.PrefilterMode)),
			CollectInterval: r.Metrics.CollectInterval.Duration,
		},
		Cache: CacheConfig{
			Backend:            strings.ToLower(strings.TrimSpace(r.Cache.Backend)),
			SnapshotPath:       r.Cache.SnapshotPath,
			RedisMode:          strings.ToLower(strings.TrimSpace(r.Cache.RedisMode)),
			RedisAddr:          r.Cache.RedisAddr,
			RedisMasterSet:     r.Cache.RedisMasterSet,
			RedisSentinelAddrs: r.Cache.RedisSentinelAddrs,
			RedisPassword:      r.Cache.RedisPassword,
			RedisDB:            r.Cache.RedisDB,
			RedisNamespace:     r.Cache.RedisNamespace,
			CleanupOnExit:      r.Cache.CleanupOnExit,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
		Projects: make([]string, 0, len(r.Projects)),
	}
	for _, project := range r.Projects {
		cfg.Projects = append(cfg.Projects, strings.TrimSpace(project))
	}
	return cfg
}
