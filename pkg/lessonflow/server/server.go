// Package server exposes plan generation over HTTP.
//
// Routes:
//
//	POST /plans/generate               run to completion, respond with the final state
//	POST /plans/generate/stream        run while streaming events as SSE
//	GET  /runs                         recent run traces
//	GET  /runs/{run_id}                one run trace with its stages
//	GET  /runs/{run_id}/events?after=  replay a run's events after a sequence number
//	GET  /healthz                      liveness and circuit breaker state
//
// Runs are keyed by run id through an idempotency guard: a duplicate of an
// in-flight run gets 409, a duplicate of a completed run gets the stored
// result.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/deps"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
)

// ReplayHeader is set on responses that carry a stored result instead of a
// fresh run.
const ReplayHeader = "X-Lessonflow-Replayed"

const defaultHeartbeat = 15 * time.Second

// Server serves the HTTP API for one container.
type Server struct {
	container *deps.Container
	guard     *resilience.IdempotencyGuard[lessonflow.RunState]
	logger    *slog.Logger
	heartbeat time.Duration
	wfOpts    []lessonflow.Option
	mux       *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithGuard replaces the idempotency guard built from settings.
func WithGuard(g *resilience.IdempotencyGuard[lessonflow.RunState]) Option {
	return func(s *Server) {
		if g != nil {
			s.guard = g
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHeartbeat sets the SSE heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithWorkflowOptions passes options to every workflow the server builds.
func WithWorkflowOptions(opts ...lessonflow.Option) Option {
	return func(s *Server) {
		s.wfOpts = append(s.wfOpts, opts...)
	}
}

// New builds a Server. c may be nil only in tests of the failure paths;
// every run then fails with 500.
func New(c *deps.Container, opts ...Option) *Server {
	s := &Server{
		container: c,
		logger:    slog.Default(),
		heartbeat: defaultHeartbeat,
	}
	var guardOpts []resilience.GuardOption
	if c != nil {
		if c.Logger != nil {
			s.logger = c.Logger
		}
		if c.Settings.Server.Heartbeat > 0 {
			s.heartbeat = c.Settings.Server.Heartbeat
		}
		guardOpts = append(guardOpts,
			resilience.WithTTL(c.Settings.Idempotency.TTL),
			resilience.WithMaxSize(c.Settings.Idempotency.MaxSize),
		)
	}
	s.guard = resilience.NewIdempotencyGuard[lessonflow.RunState](guardOpts...)
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /plans/generate", s.handleGenerate)
	mux.HandleFunc("POST /plans/generate/stream", s.handleGenerateStream)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux = mux
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	readHeader := 10 * time.Second
	if s.container != nil && s.container.Settings.Server.ReadHeaderTimeout > 0 {
		readHeader = s.container.Settings.Server.ReadHeaderTimeout
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeader,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}
