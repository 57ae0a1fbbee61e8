package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/bitbucket"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/metrics"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MetricQuerier computes metrics for one repository and month.
type MetricQuerier interface {
	MergedPullRequests(ctx context.Context, repository, year, month string) (int, error)
	ReviewTime(ctx context.Context, repository, year, month string) (metrics.ReviewTimeResult, error)
}

// MetricsResponse is the body of a successful on-demand metrics query.
type MetricsResponse struct {
	Repository   string                   `json:"repository"`
	Period       string                   `json:"period"`
	MergedPRs    int                      `json:"merged_prs"`
	PRReviewTime metrics.ReviewTimeResult `json:"pr_review_time"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPHandler wires metrics, health, and on-demand query endpoints on a single router.
// A nil querier leaves the query endpoint unregistered.
func NewHTTPHandler(metricsHandler http.Handler, healthHandler http.Handler, querier MetricQuerier, logger *zap.Logger) http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", metricsHandler))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", healthHandler))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", healthHandler))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", healthHandler))
	if querier != nil {
		router.Method(http.MethodGet, "/api/v1/metrics/{project}/{repo}/{yearMonth}",
			wrapHTTPHandler(traceMode, "metrics_query", newMetricsQueryHandler(querier, logger)))
	}
	return router
}

func newMetricsQueryHandler(querier MetricQuerier, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repository := chi.URLParam(r, "project") + "/" + chi.URLParam(r, "repo")
		period, err := metrics.ParseYearMonth(chi.URLParam(r, "yearMonth"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		year, month := period.YearString(), period.MonthString()
		merged, err := querier.MergedPullRequests(r.Context(), repository, year, month)
		if err != nil {
			writeQueryError(w, logger, repository, period, err)
			return
		}
		reviewTime, err := querier.ReviewTime(r.Context(), repository, year, month)
		if err != nil {
			writeQueryError(w, logger, repository, period, err)
			return
		}

		writeJSON(w, http.StatusOK, MetricsResponse{
			Repository:   repository,
			Period:       period.String(),
			MergedPRs:    merged,
			PRReviewTime: reviewTime,
		})
	})
}

func writeQueryError(w http.ResponseWriter, logger *zap.Logger, repository string, period metrics.Period, err error) {
	status := queryErrorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("metrics query failed",
			zap.String("repository", repository),
			zap.String("period", period.String()),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func queryErrorStatus(err error) int {
	switch {
	case errors.Is(err, metrics.ErrInvalidPeriod), errors.Is(err, metrics.ErrInvalidRepository):
		return http.StatusBadRequest
	case bitbucket.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:gosec // Payload is server-generated JSON.
	if _, err := w.Write(body); err != nil {
		return
	}
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("bitbucket-pr-metrics/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
