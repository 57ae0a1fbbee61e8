package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxWorkers     = 10
	defaultPageSize       = 1000
	maxResponseBytes      = 32 << 20
	maxErrorBodySnippet   = 512
)

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig configures a Bitbucket Server REST client.
type ClientConfig struct {
	BaseURL           string
	Credentials       Credentials
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	MaxWorkers        int
	PageSize          int
	// BaseTransport is wrapped with the auth transport. Defaults to http.DefaultTransport.
	BaseTransport http.RoundTripper
	// Doer replaces the authenticated HTTP client entirely. Credentials are still validated.
	Doer    HTTPDoer
	Metrics *ClientMetrics
	Logger  *zap.Logger
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues rate-limited, authenticated GET requests. It never retries.
type Client struct {
	baseURL    *url.URL
	doer       HTTPDoer
	limiter    *RateLimiter
	scheme     AuthScheme
	timeout    time.Duration
	maxWorkers int
	pageSize   int
	metrics    *ClientMetrics
	logger     *zap.Logger
}

// NewClient validates configuration and builds a client. Configuration problems
// are returned as *ConfigurationError.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	doer := cfg.Doer
	scheme, err := cfg.Credentials.Scheme()
	if err != nil {
		return nil, err
	}
	if doer == nil {
		httpClient, _, err := NewAuthenticatedHTTPClient(cfg.Credentials, cfg.BaseTransport)
		if err != nil {
			return nil, err
		}
		doer = httpClient
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		doer:       doer,
		limiter:    NewRateLimiter(cfg.RequestsPerSecond),
		scheme:     scheme,
		timeout:    timeout,
		maxWorkers: maxWorkers,
		pageSize:   pageSize,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// Scheme reports the active authentication scheme.
func (c *Client) Scheme() AuthScheme {
	return c.scheme
}

// MaxWorkers reports the worker pool size used for concurrent fetches.
func (c *Client) MaxWorkers() int {
	return c.maxWorkers
}

// PageSize reports the list endpoint page size.
func (c *Client) PageSize() int {
	return c.pageSize
}

// Limiter exposes the shared rate limiter.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

// Get issues one GET for endpoint (relative to the base URL) with query parameters.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (*Response, error) {
	return c.get(ctx, "raw", endpoint, query)
}

func (c *Client) get(ctx context.Context, kind, endpoint string, query url.Values) (*Response, error) {
	reqURL := c.cloneBaseURL()
	pathPart, rawQuery, _ := strings.Cut(endpoint, "?")
	reqURL.Path = joinURLPath(reqURL.Path, pathPart)
	merged, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, &APIError{Endpoint: endpoint, Err: fmt.Errorf("parse endpoint query: %w", err)}
	}
	for key, values := range query {
		merged[key] = values
	}
	reqURL.RawQuery = merged.Encode()

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("bitbucket-pr-metrics/internal/bitbucket").Start(
			ctx,
			"bitbucket.client.get",
			trace.WithAttributes(
				attribute.String("http.method", http.MethodGet),
				attribute.String("http.path", reqURL.EscapedPath()),
				attribute.String("bitbucket.endpoint_kind", kind),
			),
		)
		defer span.End()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		networkErr := &NetworkError{Endpoint: reqURL.Path, Err: fmt.Errorf("rate limiter wait: %w", err)}
		c.observe(kind, "network_error", 0, span, networkErr)
		return nil, networkErr
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, &APIError{Endpoint: reqURL.Path, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		networkErr := &NetworkError{Endpoint: reqURL.Path, Err: err}
		c.observe(kind, "network_error", time.Since(started), span, networkErr)
		return nil, networkErr
	}
	if resp == nil {
		networkErr := &NetworkError{Endpoint: reqURL.Path, Err: errors.New("nil response")}
		c.observe(kind, "network_error", time.Since(started), span, networkErr)
		return nil, networkErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		networkErr := &NetworkError{Endpoint: reqURL.Path, Err: fmt.Errorf("read body: %w", err)}
		c.observe(kind, "network_error", time.Since(started), span, networkErr)
		return nil, networkErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Endpoint:   reqURL.Path,
			StatusCode: resp.StatusCode,
			Messages:   decodeErrorMessages(body),
			Body:       snippet(body),
		}
		c.observe(kind, "api_error", time.Since(started), span, apiErr)
		return nil, apiErr
	}

	c.observe(kind, "ok", time.Since(started), span, nil)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

func (c *Client) observe(kind, outcome string, elapsed time.Duration, span trace.Span, err error) {
	c.metrics.observe(kind, outcome, elapsed)
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("bitbucket.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "request completed")
}

func (c *Client) cloneBaseURL() *url.URL {
	cloned := *c.baseURL
	return &cloned
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ConfigurationError{Reason: "base url is required"}
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("parse base url: %v", err)}
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, &ConfigurationError{Reason: "parse base url: missing scheme or host"}
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func joinURLPath(base string, segments ...string) string {
	trimmedBase := strings.TrimSuffix(base, "/")
	builder := strings.Builder{}
	builder.WriteString(trimmedBase)
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.Trim(segment, "/"))
	}
	return builder.String()
}

type errorPayload struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func decodeErrorMessages(body []byte) []string {
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	messages := make([]string, 0, len(payload.Errors))
	for _, item := range payload.Errors {
		if msg := strings.TrimSpace(item.Message); msg != "" {
			messages = append(messages, msg)
		}
	}
	return messages
}

func snippet(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > maxErrorBodySnippet {
		return trimmed[:maxErrorBodySnippet]
	}
	return trimmed
}
