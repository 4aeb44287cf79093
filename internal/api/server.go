// Package api is the HTTP surface: workflow management and usage ingestion
// under /api, a websocket event stream, metrics and a health probe.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/phaseguild/internal/config"
	"github.com/kazz187/phaseguild/internal/engine"
	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/metrics"
	"github.com/kazz187/phaseguild/internal/notify"
	"github.com/kazz187/phaseguild/internal/tokencount"
	"github.com/kazz187/phaseguild/pkg/cerr"
	"github.com/kazz187/phaseguild/pkg/clog"
)

type Server struct {
	mu      sync.Mutex
	server  *http.Server
	env     *config.Env
	engine  *engine.Engine
	counter *tokencount.Counter
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	subs    *notify.SubscriptionStore
}

func NewServer(
	env *config.Env,
	eng *engine.Engine,
	counter *tokencount.Counter,
	bus *eventbus.Bus,
	m *metrics.Metrics,
	subs *notify.SubscriptionStore,
) *Server {
	return &Server{
		env:     env,
		engine:  eng,
		counter: counter,
		bus:     bus,
		metrics: m,
		subs:    subs,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(clog.SlogChiMiddleware())
		r.Get("/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(cerr.NewJSONResponseChiMiddleware())
			r.NotFound(func(w http.ResponseWriter, r *http.Request) {
				cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
			})

			r.Post("/workflows", s.createWorkflow)
			r.Get("/workflows", s.listWorkflows)
			r.Route("/workflows/{id}", func(r chi.Router) {
				r.Get("/", s.getWorkflow)
				r.Delete("/", s.deleteWorkflow)
				r.Get("/status", s.getStatus)
				r.Get("/budget", s.getBudget)
				r.Get("/governance", s.getGovernance)
				r.Get("/prompt", s.getPrompt)
				r.Post("/advance", s.advance)
				r.Post("/checkpoint/{action}", s.checkpoint)
				r.Post("/usage", s.recordUsage)
				r.Post("/check", s.checkBudget)
				r.Post("/reset", s.resetBudget)
				r.Post("/resolve", s.resolveEscalation)
				r.Get("/verify", s.verify)
				r.Post("/tasks/{task}/{action}", s.taskAction)
			})

			r.Post("/push-subscriptions", s.registerPushSubscription)
			r.Delete("/push-subscriptions", s.unregisterPushSubscription)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.Handle("/api/", r)
	return mux
}

// ListenAndServe uses ctx as the base context of every request so shutting
// down also ends open event streams.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	srv := &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.apiKeyMiddleware(s.Handler())), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	if s.env.APIKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if apiKey == "" {
			// Browsers cannot set headers on websocket upgrades.
			apiKey = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.env.APIKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
