// Package api serves the operator HTTP surface of the orchestrator.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/functions"
	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/orchestrator"
	"github.com/t77yq/automation-orchestrator/internal/storage"
)

// ExecutionHistory is the queryable execution store
type ExecutionHistory interface {
	List(ctx context.Context, filter storage.HistoryFilter) ([]*model.Execution, error)
	Count(ctx context.Context, filter storage.HistoryFilter) (int, error)
}

// AlertBook exposes raised alerts and their rules
type AlertBook interface {
	Recent(n int) []model.Alert
	ListRules() []model.AlertRule
	GetRule(id string) (*model.AlertRule, error)
	AddRule(rule *model.AlertRule) error
	UpdateRule(rule *model.AlertRule) error
	DeleteRule(id string) error
}

// Options configure the server
type Options struct {
	Addr      string
	AuthToken string

	// Alerts, when set, serves /api/automation/alerts
	Alerts AlertBook

	// MCP, when set, is mounted at /mcp behind the same auth
	MCP http.Handler
}

// Server holds the HTTP server state
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	orch       *orchestrator.Orchestrator
	history    ExecutionHistory
	library    *functions.Library
	logger     *zap.Logger
	options    Options
}

// NewServer constructs the HTTP API server. history may be nil.
func NewServer(orch *orchestrator.Orchestrator, history ExecutionHistory, library *functions.Library, logger *zap.Logger, options Options) *Server {
	logger = logger.Named("api")

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger(logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		orch:    orch,
		history: history,
		library: library,
		logger:  logger,
		options: options,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              options.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)

	if s.options.MCP != nil {
		s.router.With(AuthMiddleware(s.options.AuthToken)).Handle("/mcp", s.options.MCP)
	}

	s.router.Route("/api/automation", func(r chi.Router) {
		r.Use(AuthMiddleware(s.options.AuthToken))

		r.Get("/status", s.handleStatus)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/health-check", s.handleHealthCheck)
		r.Get("/executions", s.handleListExecutions)
		r.Post("/functions/{name}", s.handleInvokeFunction)
		r.Post("/cron/preview", s.handleCronPreview)

		if s.options.Alerts != nil {
			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleListAlerts)
				r.Get("/rules", s.handleListAlertRules)
				r.Post("/rules", s.handleCreateAlertRule)
				r.Post("/rules/{ruleID}/silence", s.handleSilenceAlertRule(true))
				r.Post("/rules/{ruleID}/unsilence", s.handleSilenceAlertRule(false))
				r.Delete("/rules/{ruleID}", s.handleDeleteAlertRule)
			})
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/enable", s.handleSetEnabled(true))
				r.Post("/disable", s.handleSetEnabled(false))
				r.Post("/run", s.handleRunTask)
			})
		})
	})
}
