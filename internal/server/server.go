package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/audit"
	"github.com/donezo/chatguard/internal/config"
	"github.com/donezo/chatguard/internal/logger"
	"github.com/donezo/chatguard/internal/policy"
	"github.com/donezo/chatguard/internal/security"
	"github.com/donezo/chatguard/internal/web"
	"github.com/donezo/chatguard/internal/websocket"
)

const source = "http"

// Options carries the optional collaborators of a Server
type Options struct {
	Cache         Cache
	Recorder      audit.Recorder
	RecordFlagged bool
	Hub           *websocket.Hub
	HealthChecks  []HealthCheck
	Version       string
}

// engine is the rule set and warn policy in force; replaced as a unit on reload
type engine struct {
	rules    *policy.RuleSet
	warn     *policy.WarnPolicy
	warnWhen string
}

// Server serves the scan API
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	opts     Options
	engine   atomic.Pointer[engine]
	limiter  *security.RateLimiter
	validate *validator.Validate
	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	started  time.Time

	scans      atomic.Int64
	violations atomic.Int64
}

// LoadPolicy builds the rule set and warn policy described by cfg
func LoadPolicy(cfg config.PolicyConfig) (*policy.RuleSet, *policy.WarnPolicy, error) {
	rules, err := policy.LoadRuleSetFile(cfg.RulesFile)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.AllowDomains) > 0 {
		rules = rules.WithAllowList(policy.NewAllowList(cfg.AllowDomains...))
	}

	warn, err := policy.NewWarnPolicy(cfg.WarnWhen)
	if err != nil {
		return nil, nil, err
	}
	return rules, warn, nil
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Server, error) {
	rules, warn, err := LoadPolicy(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	s := &Server{
		config:   cfg,
		logger:   log.WithComponent("server"),
		opts:     opts,
		limiter:  security.NewRateLimiter(cfg.RateLimit),
		validate: validator.New(),
		router:   mux.NewRouter(),
		started:  time.Now(),
	}
	s.engine.Store(&engine{rules: rules, warn: warn, warnWhen: warn.Expression})

	s.setupRoutes()

	s.handler = cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	})(s.router)

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not found")
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router.NotFoundHandler = notFound
	s.router.MethodNotAllowedHandler = methodNotAllowed

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	if s.opts.Hub != nil && s.config.WebSocket.Enabled {
		ws := s.config.WebSocket
		s.router.HandleFunc(ws.Path, s.opts.Hub.HandleWebSocket).Methods(http.MethodGet)
		s.router.Handle("/dashboard", web.NewDashboard(ws.Path, ws.Username, ws.Password)).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.NotFoundHandler = notFound
	api.MethodNotAllowedHandler = methodNotAllowed
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	api.HandleFunc("/scan/batch", s.handleBatchScan).Methods(http.MethodPost)
	api.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	eng := s.engine.Load()
	s.logger.Info("Starting chatguard server",
		zap.String("addr", s.server.Addr),
		zap.String("rule_set", eng.rules.Fingerprint()[:12]),
		zap.Int("rules", len(eng.rules.Rules())),
		zap.Bool("cache", s.opts.Cache != nil),
		zap.Bool("audit", s.opts.Recorder != nil))

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping chatguard server")
	return s.server.Shutdown(ctx)
}

// StartBackground runs the rate limiter cleanup until ctx is done
func (s *Server) StartBackground(ctx context.Context) {
	s.limiter.StartCleanupRoutine(ctx)
}

// Reload swaps in the policy from a new configuration. On error the current
// policy stays in place.
func (s *Server) Reload(cfg *config.Config) error {
	rules, warn, err := LoadPolicy(cfg.Policy)
	if err != nil {
		s.logger.Error("Policy reload failed, keeping current rule set", zap.Error(err))
		return err
	}

	old := s.engine.Swap(&engine{rules: rules, warn: warn, warnWhen: warn.Expression})
	if old.rules.Fingerprint() != rules.Fingerprint() || old.warnWhen != warn.Expression {
		s.logger.Info("Policy reloaded",
			zap.String("previous_rule_set", old.rules.Fingerprint()[:12]),
			zap.String("rule_set", rules.Fingerprint()[:12]),
			zap.String("warn_when", warn.Expression))
	}
	return nil
}

// RuleSet returns the active rule set
func (s *Server) RuleSet() *policy.RuleSet {
	return s.engine.Load().rules
}

// Status summarizes the server for dashboards
func (s *Server) Status() websocket.SystemStatusEvent {
	eng := s.engine.Load()
	return websocket.SystemStatusEvent{
		Status:          "healthy",
		Uptime:          time.Since(s.started).Round(time.Second).String(),
		TotalScans:      s.scans.Load(),
		TotalViolations: s.violations.Load(),
		ActiveRules:     len(eng.rules.Rules()),
		RuleSet:         eng.rules.Fingerprint(),
	}
}
