// Package server exposes the pipeline over HTTP.
//
// Every request passes through the same middleware chain: a span and a
// request log line, panic recovery, then JWT identity extraction. Handlers
// never talk to the store directly; they call the orchestrator or the
// override service and map domain errors with httputil.WriteError.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/override"
	"github.com/nmxmxh/answerflow/internal/pipeline"
	"github.com/nmxmxh/answerflow/internal/server/httputil"
	"github.com/nmxmxh/answerflow/pkg/auth"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
)

// Server routes HTTP requests to the orchestrator and the override service.
type Server struct {
	orch      *pipeline.Orchestrator
	overrides *override.Service
	secret    string
	ready     func(context.Context) error
	log       *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithReadiness sets the check behind /readyz.
func WithReadiness(check func(context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// New returns a server. secret verifies bearer tokens.
func New(orch *pipeline.Orchestrator, overrides *override.Service, secret string, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		orch:      orch,
		overrides: overrides,
		secret:    secret,
		log:       log.With(zap.String("module", "http")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)

	mux.HandleFunc("POST /questions", s.submitQuestion)
	mux.HandleFunc("GET /questions/{id}", s.questionStatus)
	mux.HandleFunc("POST /questions/{id}/rating", s.rateAnswer)
	mux.HandleFunc("POST /experts/reviews", s.expertReview)

	mux.HandleFunc("POST /admin/overrides", s.applyOverride)
	mux.HandleFunc("POST /admin/questions/{id}/deliver", s.forceDeliver)
	mux.HandleFunc("POST /admin/questions/{id}/reject", s.forceReject)
	mux.HandleFunc("POST /admin/questions/{id}/cancel", s.cancel)
	mux.HandleFunc("POST /admin/questions/{id}/requeue", s.requeue)
	mux.HandleFunc("GET /admin/flags", s.listFlags)
	mux.HandleFunc("POST /admin/flags", s.createFlag)
	mux.HandleFunc("POST /admin/flags/{id}/resolve", s.resolveFlag)
	mux.HandleFunc("GET /admin/audit", s.auditTrail)

	return s.observe(s.recoverPanics(auth.JWTMiddleware(s.secret, s.log, mux)))
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe opens a span per request and logs the outcome.
func (s *Server) observe(next http.Handler) http.Handler {
	tracer := otel.Tracer("answerflow/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		ctx, span := tracer.Start(context.WithValue(r.Context(), errs.RequestIDKey, reqID), r.Method+" "+r.URL.Path)
		defer span.End()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.Int("http.status_code", rec.status),
		)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			return
		}
		s.log.Info("handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("request_id", reqID),
			zap.Float64("duration_seconds", time.Since(start).Seconds()),
		)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("Handler panicked", zap.Any("panic", p), zap.String("path", r.URL.Path))
				httputil.WriteJSONError(w, s.log, http.StatusInternalServerError, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSONResponse(w, s.log, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			httputil.WriteJSONError(w, s.log, http.StatusServiceUnavailable, "not ready", err)
			return
		}
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusOK, map[string]string{"status": "ready"})
}

// actor returns the caller as an override actor.
func actor(r *http.Request) override.Actor {
	c := auth.FromContext(r.Context())
	return override.Actor{ID: c.UserID, Roles: c.Roles}
}
