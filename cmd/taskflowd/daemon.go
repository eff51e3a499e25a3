package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"taskflow/internal/actions"
	"taskflow/internal/api"
	"taskflow/internal/config"
	"taskflow/internal/core"
	"taskflow/internal/logging"
	taskflowmcp "taskflow/internal/mcp"
	"taskflow/internal/metrics"
	"taskflow/internal/natsx"
	"taskflow/internal/notify"
	"taskflow/internal/store"
)

// daemon holds everything built from the configuration.
type daemon struct {
	cfg    *config.Config
	logger zerolog.Logger
	engine *core.Engine
	bridge *natsx.Bridge
	db     *store.SQLiteStore
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logOut := os.Stdout
	if cfg.Mode != config.ModeHTTP {
		// stdout carries the MCP protocol
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	d, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
		defer cancel()
		d.engine.Stop(stopCtx)
	}()
	if d.bridge != nil {
		if err := d.bridge.ListenEvents(ctx, d.engine); err != nil {
			return err
		}
	}

	mcpServer := taskflowmcp.NewMCPServer(d.engine, Version, logger.With().Str("component", "mcp").Logger())
	switch cfg.Mode {
	case config.ModeMCP:
		return d.runMCP(ctx, mcpServer)
	case config.ModeBoth:
		return d.runHTTP(ctx, mcpServer, true)
	default:
		return d.runHTTP(ctx, mcpServer, false)
	}
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}
	loc := cfg.Location()

	var observer core.Observer = metrics.NewCollector()
	var remote actions.Remote
	if cfg.NATS.URL != "" {
		bridge, err := natsx.Connect(cfg.NATS.URL, cfg.NATS.Prefix, cfg.NATS.RequestTimeout, logger.With().Str("component", "nats").Logger())
		if err != nil {
			return nil, err
		}
		d.bridge = bridge
		remote = bridge
		observer = bridge.Observer(observer)
	}

	opts := core.Options{
		Observer:         observer,
		Logger:           logger,
		Location:         loc,
		MaxConcurrent:    cfg.Engine.MaxConcurrent,
		MaxInstances:     cfg.Engine.MaxInstances,
		MaxWorkflowSteps: cfg.Engine.MaxWorkflowSteps,
	}
	storeLogger := logger.With().Str("component", "persistence").Logger()
	switch cfg.Engine.Backend {
	case config.BackendSQLite:
		db, err := store.OpenSQLite(ctx, cfg.DatabasePath(), cfg.Engine.ResultRetention, loc, storeLogger)
		if err != nil {
			d.close()
			return nil, err
		}
		d.db = db
		opts.Persister = db
		opts.ResultSink = db
	default:
		fs, err := store.NewFileStore(cfg.TasksPath(), loc, storeLogger)
		if err != nil {
			d.close()
			return nil, err
		}
		opts.Persister = fs
	}

	engine, err := core.New(opts)
	if err != nil {
		d.close()
		return nil, err
	}
	d.engine = engine
	if d.db != nil {
		history, err := d.db.RecentResults(ctx, 1000)
		if err != nil {
			logger.Warn().Err(err).Msg("load result history")
		}
		engine.SeedResults(history)
	}

	builtins := actions.New(actions.Config{
		Notifier:       buildNotifier(cfg, logger),
		Remote:         remote,
		CommandTimeout: cfg.Actions.CommandTimeout,
		Logger:         logger.With().Str("component", "actions").Logger(),
	})
	builtins.Register(engine.Registry())
	return d, nil
}

func buildNotifier(cfg *config.Config, logger zerolog.Logger) notify.Notifier {
	if !cfg.Notification.Bark.Enabled {
		return &notify.NoOpNotifier{}
	}
	bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL, "taskflow")
	if err != nil {
		logger.Warn().Err(err).Msg("bark notifier disabled")
		return &notify.NoOpNotifier{}
	}
	multi := notify.NewMultiNotifier(logger.With().Str("component", "notify").Logger(), bark)
	return notify.NewRateLimited(multi, cfg.Notification.RatePerSecond, 1)
}

func (d *daemon) runHTTP(ctx context.Context, mcpServer *taskflowmcp.MCPServer, withStdio bool) error {
	server := api.NewServer(api.Options{
		Addr:      d.cfg.Server.Addr,
		AuthToken: d.cfg.Server.AuthToken,
		Engine:    d.engine,
		MCP:       mcpServer.HTTPHandler(),
		Logger:    d.logger.With().Str("component", "http").Logger(),
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	mcpErr := make(chan error, 1)
	if withStdio {
		go func() {
			mcpErr <- mcpServer.Run()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info().Msg("shutdown requested")
	case err := <-serverErr:
		d.logger.Error().Err(err).Msg("server error")
		runErr = err
	case err := <-mcpErr:
		if err != nil {
			d.logger.Error().Err(err).Msg("mcp server error")
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Engine.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("server shutdown")
	}
	return runErr
}

func (d *daemon) runMCP(ctx context.Context, mcpServer *taskflowmcp.MCPServer) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpServer.Run()
	}()
	select {
	case <-ctx.Done():
		d.logger.Info().Msg("shutdown requested")
		return nil
	case err := <-errCh:
		return err
	}
}

func (d *daemon) close() {
	if d.bridge != nil {
		d.bridge.Close()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("close database")
		}
	}
}
