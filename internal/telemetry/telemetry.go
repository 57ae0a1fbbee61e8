package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// ModeOff disables span emission.
	ModeOff = "off"
	// ModeSampled emits collection-level spans at the configured ratio.
	ModeSampled = "sampled"
	// ModeDetailed additionally emits one span per Bitbucket request.
	ModeDetailed = "detailed"

	defaultServiceName = "bitbucket-pr-metrics"
)

var globalTraceMode atomic.Value

// Config configures OpenTelemetry tracing.
type Config struct {
	Enabled          bool
	ServiceName      string
	TraceMode        string
	TraceSampleRatio float64
	// Exporter receives finished spans in batches when set.
	Exporter sdktrace.SpanExporter
}

// Runtime holds the installed tracer provider.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs a global tracer provider for the configured mode.
func Setup(cfg Config) (Runtime, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	mode := NormalizeMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = ModeOff
	}
	globalTraceMode.Store(mode)

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return Runtime{}, err
	}

	options := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(samplerFor(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	}
	if cfg.Exporter != nil {
		options = append(options, sdktrace.WithBatcher(cfg.Exporter))
	}
	provider := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(provider)

	return Runtime{
		TracerProvider: provider,
		Shutdown:       provider.Shutdown,
	}, nil
}

// TraceMode reports the installed trace mode.
func TraceMode() string {
	mode, _ := globalTraceMode.Load().(string)
	if mode == "" {
		return ModeOff
	}
	return mode
}

// ShouldTraceDependencies reports whether per-request spans should be emitted.
func ShouldTraceDependencies() bool {
	return TraceMode() == ModeDetailed
}

// NormalizeMode maps free-form input onto a known mode. Unknown values become sampled.
func NormalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeOff:
		return ModeOff
	case ModeDetailed:
		return ModeDetailed
	default:
		return ModeSampled
	}
}

func samplerFor(mode string, ratio float64) sdktrace.Sampler {
	switch mode {
	case ModeOff:
		return sdktrace.NeverSample()
	case ModeDetailed:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(min(max(ratio, 0), 1)))
	}
}
