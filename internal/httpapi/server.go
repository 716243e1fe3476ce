// Package httpapi exposes the governance client over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/domain/application"
	"github.com/JAG-UK/rkh-frontend/internal/governance"
	internalhttputil "github.com/JAG-UK/rkh-frontend/internal/httputil"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
	"github.com/JAG-UK/rkh-frontend/internal/middleware"
	"github.com/JAG-UK/rkh-frontend/internal/registry"
	"github.com/JAG-UK/rkh-frontend/internal/session"
	"github.com/JAG-UK/rkh-frontend/internal/storage"
)

// Sessions is the session manager surface the API drives.
type Sessions interface {
	Connect(ctx context.Context, kind connector.Kind, index *uint32) (account.Account, error)
	Disconnect(ctx context.Context) error
	Current() (account.Account, bool)
	Subscribe() (<-chan session.Event, func())
}

// Applications reads the application registry.
type Applications interface {
	ListApplications(ctx context.Context, opts registry.ListOptions) (registry.Page, error)
	GetApplication(ctx context.Context, id string) (application.Application, error)
}

// Executor runs policy-permitted governance actions.
type Executor interface {
	Execute(ctx context.Context, app application.Application, req governance.ExecuteRequest) (governance.Result, error)
}

// Config configures a Server.
type Config struct {
	Sessions     Sessions
	Applications Applications
	// Cache, when set and populated, serves reads instead of the registry.
	Cache     *registry.Cache
	Verifiers governance.Verifiers
	Executor  Executor
	Intents   storage.IntentStore
	Tokens    *middleware.TokenIssuer

	CORSOrigins    []string
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Server is the HTTP API.
type Server struct {
	sessions     Sessions
	applications Applications
	cache        *registry.Cache
	verifiers    governance.Verifiers
	executor     Executor
	intents      storage.IntentStore
	tokens       *middleware.TokenIssuer
	timeout      time.Duration
	metrics      *metrics.Metrics
	logger       *logging.Logger
	limiter      *middleware.RateLimiter
	cors         *middleware.CORSMiddleware

	router *mux.Router
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault("httpapi")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rate, burst := cfg.RateLimit, cfg.RateBurst
	if rate <= 0 {
		rate = 20
	}
	if burst <= 0 {
		burst = 40
	}

	s := &Server{
		sessions:     cfg.Sessions,
		applications: cfg.Applications,
		cache:        cfg.Cache,
		verifiers:    cfg.Verifiers,
		executor:     cfg.Executor,
		intents:      cfg.Intents,
		tokens:       cfg.Tokens,
		timeout:      timeout,
		metrics:      cfg.Metrics,
		logger:       logger,
		limiter:      middleware.NewRateLimiter(rate, burst, logger),
		router:       mux.NewRouter(),
	}
	if len(cfg.CORSOrigins) > 0 {
		s.cors = middleware.NewCORSMiddleware(cfg.CORSOrigins)
	}
	s.registerRoutes()
	return s
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the root handler. CORS wraps the router so preflight
// requests never reach route handlers.
func (s *Server) Handler() http.Handler {
	if s.cors == nil {
		return s.router
	}
	return s.cors.Handler(s.router)
}

// Limiter exposes the rate limiter so its cleanup can be scheduled.
func (s *Server) Limiter() *middleware.RateLimiter {
	return s.limiter
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RecoveryMiddleware(s.logger))
	r.Use(middleware.NewTracingMiddleware(s.logger).Handler)
	if s.metrics != nil {
		r.Use(middleware.MetricsMiddleware("rkhd", s.metrics))
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.limiter.Handler)

	v1.HandleFunc("/session", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/session/connect", s.handleConnect).Methods(http.MethodPost)
	v1.HandleFunc("/session/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/applications", s.handleListApplications).Methods(http.MethodGet)
	v1.HandleFunc("/applications/{id}", s.handleGetApplication).Methods(http.MethodGet)
	v1.HandleFunc("/applications/{id}/action", s.handleGetAction).Methods(http.MethodGet)
	v1.HandleFunc("/intents", s.handleListIntents).Methods(http.MethodGet)

	auth := middleware.NewAuthMiddleware(s.tokens, s.sessions, s.logger, nil)
	authed := v1.NewRoute().Subrouter()
	authed.Use(auth.Handler)
	authed.HandleFunc("/session/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	authed.HandleFunc("/applications/{id}/execute", s.handleExecute).Methods(http.MethodPost)
	authed.HandleFunc("/verifiers/propose", s.handlePropose).Methods(http.MethodPost)
	authed.HandleFunc("/verifiers/approve", s.handleApprove).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, connected := s.sessions.Current()
	internalhttputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": connected,
	})
}

// withTimeout bounds non-signing work. Signing paths wait for the operator.
func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}
