package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/config"
	"github.com/donezo/chatguard/internal/server"
	"github.com/donezo/chatguard/internal/websocket"
)

const statusInterval = 30 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scan API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting chatguard",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port))

	ctx, stop := signalContext()
	defer stop()

	opts := server.Options{
		RecordFlagged: cfg.Audit.RecordFlagged,
		Version:       version,
	}

	if rc := openCache(cfg, log); rc != nil {
		defer rc.Close()
		opts.Cache = rc
		opts.HealthChecks = append(opts.HealthChecks, server.HealthCheck{Name: "cache", Check: rc.Ping})
	}

	store, err := openAudit(ctx, cfg, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		opts.Recorder = store
		opts.HealthChecks = append(opts.HealthChecks, server.HealthCheck{Name: "audit", Check: store.Ping})
	}

	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(cfg.WebSocket, log.Logger)
		go hub.Run(ctx)
		opts.Hub = hub
	}

	srv, err := server.New(cfg, log, opts)
	if err != nil {
		return err
	}
	srv.StartBackground(ctx)

	if hub != nil {
		go hub.StartStatusBroadcast(ctx, statusInterval, srv.Status)
	}

	if err := config.Watch(log.Logger, func(c *config.Config) { srv.Reload(c) }); err != nil {
		log.Debug("Configuration hot reload disabled", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	log.Info("Server shutdown complete")
	return nil
}
