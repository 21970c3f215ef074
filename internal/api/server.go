package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobqueue/internal/admission"
	"github.com/JakeFAU/jobqueue/internal/config"
	"github.com/JakeFAU/jobqueue/internal/intake"
	"github.com/JakeFAU/jobqueue/internal/live"
	"github.com/JakeFAU/jobqueue/internal/policy/ratelimit"
	"github.com/JakeFAU/jobqueue/internal/queue"
	"github.com/JakeFAU/jobqueue/internal/settings"
	"github.com/JakeFAU/jobqueue/internal/telemetry"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultHeartbeat      = 15 * time.Second
	readyTimeout          = 2 * time.Second
	defaultActor          = "api"
	tracerName            = "github.com/JakeFAU/jobqueue/internal/api"
)

// Queue is the write and read surface the handlers drive. intake.Service
// implements it.
type Queue interface {
	Submit(ctx context.Context, sub intake.Submission) (intake.Result, error)
	CheckStopList(ctx context.Context, target, companyName string) (admission.Decision, error)
	Retry(ctx context.Context, id string) (queue.Item, error)
	Claim(ctx context.Context, id string) (queue.Item, error)
	ClaimNext(ctx context.Context, kind queue.Kind) (queue.Item, bool, error)
	Complete(ctx context.Context, id string, report intake.Report) (queue.Item, error)
	Get(ctx context.Context, id string) (queue.Item, error)
	List(ctx context.Context, filter queue.Filter) ([]queue.Item, error)
	Delete(ctx context.Context, id, actor string) error
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server. Queue, Settings, and Clock are
// required.
type Deps struct {
	Queue    Queue
	Settings *settings.Store
	Live     *live.Projector
	Clock    queue.Clock
	Gatherer prometheus.Gatherer
	Metrics  *telemetry.HTTPMetrics
	// Ready maps dependency names to readiness checks used by /readyz.
	Ready map[string]Pinger
	// Tracer and Propagator default to the otel globals.
	Tracer     trace.TracerProvider
	Propagator propagation.TextMapPropagator
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the intake service and configuration store.
type Server struct {
	router    chi.Router
	queue     Queue
	settings  *settings.Store
	live      *live.Projector
	clock     queue.Clock
	ready     map[string]Pinger
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(d Deps, cfg config.Config) (*Server, error) {
	switch {
	case d.Queue == nil:
		return nil, errors.New("api: queue is required")
	case d.Settings == nil:
		return nil, errors.New("api: settings store is required")
	case d.Clock == nil:
		return nil, errors.New("api: clock is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Tracer == nil {
		d.Tracer = otel.GetTracerProvider()
	}
	if d.Propagator == nil {
		d.Propagator = otel.GetTextMapPropagator()
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		queue:     d.Queue,
		settings:  d.Settings,
		live:      d.Live,
		clock:     d.Clock,
		ready:     d.Ready,
		heartbeat: defaultHeartbeat,
		logger:    d.Logger,
	}

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Server.SubmitRPS, Burst: cfg.Server.SubmitBurst})

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(tracingMiddleware(d.Tracer.Tracer(tracerName), d.Propagator))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// The live stream outlives any request timeout.
		r.Get("/items/stream", s.streamItems)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.With(throttleMiddleware(limiter)).Post("/submissions", s.submit)
			r.Get("/items", s.listItems)
			r.Post("/items/claim-next", s.claimNext)
			r.Get("/items/{item_id}", s.getItem)
			r.Delete("/items/{item_id}", s.deleteItem)
			r.Post("/items/{item_id}/retry", s.retryItem)
			r.Post("/items/{item_id}/claim", s.claimItem)
			r.Post("/items/{item_id}/complete", s.completeItem)
			r.Route("/config", func(r chi.Router) {
				r.Get("/stop-list", s.getStopList)
				r.Put("/stop-list", s.putStopList)
				r.Post("/stop-list/check", s.checkStopList)
				r.Get("/queue-settings", s.getQueueSettings)
				r.Put("/queue-settings", s.putQueueSettings)
				r.Get("/ai-settings", s.getAISettings)
				r.Put("/ai-settings", s.putAISettings)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeQueueError maps queue and configuration errors onto HTTP statuses.
// Unexpected failures are logged and hidden behind a generic 500.
func (s *Server) writeQueueError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	if status == http.StatusServiceUnavailable {
		s.logger.Warn(op+" unavailable", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrNotRetryable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, queue.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrInvalidItem),
		errors.Is(err, queue.ErrInvalidPatch),
		errors.Is(err, settings.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return defaultActor
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

// tracingMiddleware continues the caller's W3C trace context, if any, in a
// server span named after the matched route.
func tracingMiddleware(tracer trace.Tracer, propagator propagation.TextMapPropagator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
				),
			)
			defer span.End()

			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			if rctx := chi.RouteContext(ctx); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					span.SetName(r.Method + " " + pattern)
					span.SetAttributes(semconv.HTTPRouteKey.String(pattern))
				}
			}
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(ww.status))
			if ww.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(ww.status))
			}
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// throttleMiddleware rejects clients that exceed their submission rate with
// 429 and a Retry-After hint. A nil or disabled limiter passes everything.
func throttleMiddleware(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil || !l.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := l.Allow(clientKey(r))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller by actor and remote host.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return actor(r) + "@" + host
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Debug("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
