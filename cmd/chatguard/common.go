package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/audit"
	"github.com/donezo/chatguard/internal/cache"
	"github.com/donezo/chatguard/internal/config"
	"github.com/donezo/chatguard/internal/logger"
)

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func loadConfig(path string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openAudit connects and migrates the audit store when enabled
func openAudit(ctx context.Context, cfg *config.Config, log *logger.Logger) (*audit.Store, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}

	store, err := audit.NewStore(ctx, &audit.Config{
		DatabaseURL:     cfg.Audit.DatabaseURL,
		MaxOpenConns:    cfg.Audit.MaxOpenConns,
		MaxIdleConns:    cfg.Audit.MaxIdleConns,
		ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
	}, log.WithComponent("audit").Logger)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// openCache connects to Redis when enabled. A cache that cannot be reached is
// logged and skipped.
func openCache(cfg *config.Config, log *logger.Logger) *cache.ResultCache {
	if !cfg.Cache.Enabled {
		return nil
	}

	rc, err := cache.NewResultCache(cacheConfig(cfg), log.WithComponent("cache").Logger)
	if err != nil {
		log.Warn("Result cache unavailable, continuing without it", zap.Error(err))
		return nil
	}
	return rc
}

func cacheConfig(cfg *config.Config) *cache.Config {
	return &cache.Config{
		RedisURL:  cfg.Cache.RedisURL,
		PoolSize:  cfg.Cache.PoolSize,
		TTL:       cfg.Cache.TTL,
		KeyPrefix: cfg.Cache.KeyPrefix,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
