// Package api exposes the HTTP and WebSocket surface: token issuance,
// memory writes, retrieval queries, compliance checks, audit traces and
// the health endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/pitchline/pitchline/auth"
	"github.com/pitchline/pitchline/bus"
	"github.com/pitchline/pitchline/health"
	"github.com/pitchline/pitchline/memory/audit"
	"github.com/pitchline/pitchline/memory/comply"
	"github.com/pitchline/pitchline/memory/retriever"
	"github.com/pitchline/pitchline/memory/store"
	"github.com/pitchline/pitchline/ratelimit"
	"github.com/pitchline/pitchline/router"
	"github.com/pitchline/pitchline/telemetry"
)

type (
	// User is one static API credential.
	User struct {
		Password string
		TenantID string
	}

	// Options wires the server's collaborators.
	Options struct {
		// Auth mints and verifies tokens. Required.
		Auth *auth.Manager
		// Users maps usernames to credentials for the token endpoint.
		Users map[string]User
		// Retriever answers memory queries. Required.
		Retriever *retriever.Retriever
		// Checker runs compliance checks. Required.
		Checker *comply.Checker
		// Stores back the write surface. All required.
		Events     store.EventStore
		Outcomes   store.OutcomeStore
		Knowledge  store.KnowledgeStore
		Strategies store.StrategyStore
		// Audits serves the trace endpoint. Required.
		Audits audit.Store
		// Bus carries domain events from writes and socket turns. Required.
		Bus bus.Bus
		// Sessions routes WebSocket frames. Required.
		Sessions router.Manager
		// Health produces the health snapshot. Required.
		Health *health.Checker
		// Limiter throttles API requests when non-nil.
		Limiter *ratelimit.Limiter
		// Metrics records request counts and latency when non-nil.
		Metrics *telemetry.Metrics
		// Production disables the X-Tenant-ID override.
		Production bool
	}

	// Server is the API surface.
	Server struct {
		opts Options
		mux  *chi.Mux
	}

	// envelope is the uniform response shape.
	envelope struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
		Data      any    `json:"data,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	requestIDKey struct{}
)

// New validates the options and builds the server.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Auth == nil:
		return nil, errors.New("auth manager is required")
	case opts.Retriever == nil:
		return nil, errors.New("retriever is required")
	case opts.Checker == nil:
		return nil, errors.New("compliance checker is required")
	case opts.Events == nil || opts.Outcomes == nil || opts.Knowledge == nil || opts.Strategies == nil:
		return nil, errors.New("all four stores are required")
	case opts.Audits == nil:
		return nil, errors.New("audit store is required")
	case opts.Bus == nil:
		return nil, errors.New("bus is required")
	case opts.Sessions == nil:
		return nil, errors.New("session manager is required")
	case opts.Health == nil:
		return nil, errors.New("health checker is required")
	}
	s := &Server{opts: opts, mux: chi.NewRouter()}
	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.Use(s.requestID, s.instrument)

	s.mux.Get("/health", s.handleHealth)
	s.mux.Get("/ws/{session_id}", s.handleWebSocket)

	s.mux.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.opts.Auth, !s.opts.Production))
			r.Use(s.rateLimit)
			r.Get("/auth/me", s.handleMe)
			r.Post("/memory/write/{kind}", s.handleWrite)
			r.Post("/memory/query", s.handleQuery)
			r.Post("/memory/comply/check", s.handleComplyCheck)
			r.Post("/memory/trace", s.handleTrace)
		})
	})
}

// requestID echoes X-Request-Id or assigns one, and threads it through the
// context for handlers and audit records.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := log.With(r.Context(), log.KV{K: "request_id", V: id})
		next.ServeHTTP(w, r.WithContext(withRequestID(ctx, id)))
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.opts.Metrics.Count(r.Context(), "http_requests_total", "path", r.URL.Path, "method", r.Method)
		s.opts.Metrics.Observe(r.Context(), "http_request_duration_seconds", time.Since(start), "path", r.URL.Path)
	})
}

// rateLimit throttles per authenticated subject, falling back to the remote
// address for anonymous paths.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.RemoteAddr
		if claims, ok := auth.ClaimsFrom(r.Context()); ok {
			key = claims.Subject
		}
		allowed, err := s.opts.Limiter.Allow(r.Context(), key)
		if err != nil {
			log.Errorf(r.Context(), err, "rate limit check")
		}
		if !allowed {
			s.writeError(w, r, E(KindRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// requestIDFrom returns the request ID assigned by the middleware.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := envelope{RequestID: requestIDFrom(r.Context()), Status: "ok", Data: data}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Errorf(r.Context(), err, "encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := classify(err)
	if apiErr.Kind == KindInternal || apiErr.Kind == KindUpstream {
		log.Errorf(r.Context(), err, "request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	env := envelope{RequestID: requestIDFrom(r.Context()), Status: "error", Error: apiErr.Message}
	if encErr := json.NewEncoder(w).Encode(env); encErr != nil {
		log.Errorf(r.Context(), encErr, "encode error response")
	}
}
