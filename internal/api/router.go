package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"taskflow/internal/core"
	"taskflow/internal/metrics"
)

// Options configures the HTTP API server.
type Options struct {
	Addr      string
	AuthToken string
	Engine    *core.Engine
	// MCP is mounted on /mcp when set.
	MCP    http.Handler
	Logger zerolog.Logger
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	engine     *core.Engine
	mcp        http.Handler
	logger     zerolog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggingMiddleware(opts.Logger))
	router.Use(middleware.Recoverer)
	router.Use(metrics.Middleware)

	s := &Server{
		router:    router,
		engine:    opts.Engine,
		mcp:       opts.MCP,
		logger:    opts.Logger,
		authToken: opts.AuthToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	if s.mcp != nil {
		mcpHandler := s.mcp
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/triggers/preview", s.handleTriggerPreview)
		r.Get("/results", s.handleListResults)
		r.Post("/conditions/check", s.handleCheckConditions)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/enable", s.handleEnableTask)
				r.Post("/disable", s.handleDisableTask)
				r.Post("/run", s.handleRunTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Get("/stats", s.handleTaskStats)
			})
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListSubscriptions)
			r.Post("/{event}", s.handleEmitEvent)
			r.Post("/{event}/subscribers", s.handleSubscribe)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleCreateWorkflow)
			r.Get("/{workflowID}", s.handleGetWorkflow)
			r.Post("/{workflowID}/run", s.handleRunWorkflow)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tasks":  len(s.engine.ListTasks(false)),
	})
}
