// Package apiserver implements the Orchestrator HTTP/WS API: job
// submission and lifecycle control, robot fleet listing, and a per-job
// event stream.
//
// Router: github.com/go-chi/chi/v5 + github.com/go-chi/cors, using
// chi.Router with chi middleware composition; the handler layout
// follows chi's handler-per-route convention.
// WebSocket: github.com/gorilla/websocket for the event stream
// endpoint.
package apiserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/internal/fleet"
	"github.com/casarerpa/core/internal/queue"
	"github.com/casarerpa/core/internal/telemetry"
)

// Server wires the HTTP/WS surface onto a queue.Store, fleet.Registry,
// and emit.Registry.
type Server struct {
	store    queue.Store
	overrides queue.OverrideStore
	quotas   queue.QuotaHolder
	robots   fleet.Registry
	apiKeys  fleet.APIKeyStore
	buses    *emit.Registry
	metrics  *telemetry.Metrics
	log      *slog.Logger
	validate *validator.Validate
	limiter  *rateLimiter
	done     chan struct{}

	nowFunc func() time.Time
}

// Deps bundles Server's collaborators.
type Deps struct {
	Store     queue.Store
	Overrides queue.OverrideStore
	Quotas    queue.QuotaHolder
	Robots    fleet.Registry
	APIKeys   fleet.APIKeyStore
	Buses     *emit.Registry
	Metrics   *telemetry.Metrics
	Log       *slog.Logger
}

// New builds a Server and its chi.Router.
func New(deps Deps) (*Server, http.Handler) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Server{
		store:     deps.Store,
		overrides: deps.Overrides,
		quotas:    deps.Quotas,
		robots:    deps.Robots,
		apiKeys:   deps.APIKeys,
		buses:     deps.Buses,
		metrics:   deps.Metrics,
		log:       deps.Log,
		validate:  validator.New(),
		limiter:   newRateLimiter(20, 40),
		done:      make(chan struct{}),
		nowFunc:   time.Now,
	}
	go s.limiter.runSweeper(s.done, 5*time.Minute, 10000)
	return s, s.routes()
}

// Close stops the server's background rate-limiter sweeper. Safe to call
// once; callers that never call it merely keep the sweeper running for
// the process lifetime.
func (s *Server) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limiter.middleware)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		r.Post("/jobs/{jobID}/pause", s.handlePauseJob)
		r.Post("/jobs/{jobID}/resume", s.handleResumeJob)

		r.Get("/robots", s.handleListRobots)

		r.Get("/workflows/{workflowID}/overrides", s.handleListOverrides)
		r.Put("/workflows/{workflowID}/overrides/{nodeID}", s.handlePutOverride)

		r.Get("/jobs/{jobID}/events", s.handleJobEvents)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.nowFunc()
		next.ServeHTTP(w, r)
		s.log.Info("http request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
