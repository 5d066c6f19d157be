// Package httpapi serves the sessiond control surface: worker lifecycle,
// statistics, session locks and proxy checks.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/correlation"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/proxy"
	"pkt.systems/sessiond/internal/supervisor"
	"pkt.systems/sessiond/internal/workerconfig"
)

const headerCorrelationID = correlation.Header

const jsonBodyLimit = 16 << 10

// Config wires a Handler.
type Config struct {
	Supervisor *supervisor.Supervisor
	Workers    *workerconfig.File
	Log        actionlog.Log
	Clock      clock.Clock
	Logger     pslog.Logger
	Version    string
	// ProxyTest tunes POST /v1/proxy/test.
	ProxyTest proxy.TestOptions
	// HTTPTracingEnabled wraps every route with otelhttp and request spans.
	HTTPTracingEnabled bool
}

// Handler implements the HTTP routes.
type Handler struct {
	sup                *supervisor.Supervisor
	workers            *workerconfig.File
	log                actionlog.Log
	clock              clock.Clock
	logger             pslog.Logger
	version            string
	proxyTest          proxy.TestOptions
	httpTracingEnabled bool
	tracer             trace.Tracer
}

// New builds a Handler.
func New(cfg Config) *Handler {
	workers := cfg.Workers
	if workers == nil {
		workers = &workerconfig.File{}
	}
	return &Handler{
		sup:                cfg.Supervisor,
		workers:            workers,
		log:                cfg.Log,
		clock:              clock.Or(cfg.Clock),
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		version:            cfg.Version,
		proxyTest:          cfg.ProxyTest,
		httpTracingEnabled: cfg.HTTPTracingEnabled,
		tracer:             otel.Tracer("pkt.systems/sessiond/httpapi"),
	}
}

// Register wires the routes under /v1 and the health endpoint.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/workers", h.wrap("workers.list", h.handleWorkers))
	mux.Handle("GET /v1/workers/{id}", h.wrap("workers.status", h.handleWorkerStatus))
	mux.Handle("POST /v1/workers/{id}/start", h.wrap("workers.start", h.handleWorkerStart))
	mux.Handle("POST /v1/workers/{id}/stop", h.wrap("workers.stop", h.handleWorkerStop))
	mux.Handle("GET /v1/workers/{id}/stats", h.wrap("workers.stats", h.handleWorkerStats))
	mux.Handle("GET /v1/sessions", h.wrap("sessions.list", h.handleSessions))
	mux.Handle("POST /v1/sessions/sweep", h.wrap("sessions.sweep", h.handleSessionsSweep))
	mux.Handle("POST /v1/proxy/test", h.wrap("proxy.test", h.handleProxyTest))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "sessiond.http." + operation
	txSpanName := "sessiond.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuid.Must(uuid.NewV7()).String()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("sessiond.sys", sys),
					attribute.String("sessiond.operation", operation),
					attribute.String("sessiond.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		ctx, corr := correlation.Ensure(ctx)
		logger = logger.With("cid", corr)
		if instrument {
			span.SetAttributes(attribute.String("sessiond.correlation_id", corr))
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		w.Header().Set(headerCorrelationID, corr)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("sessiond.error_code", httpErr.Code),
						attribute.Int("sessiond.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		logger.Error("http.request.internal_error", "error", err)
		httpErr = httpError{Status: http.StatusInternalServerError, Code: api.ErrorInternal, Detail: err.Error()}
	} else {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	}
	headers := map[string]string{}
	if httpErr.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
	}
	h.writeJSON(w, httpErr.Status, api.ErrorResponse{
		ErrorCode:         httpErr.Code,
		Detail:            httpErr.Detail,
		RetryAfterSeconds: httpErr.RetryAfter,
	}, headers)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}
