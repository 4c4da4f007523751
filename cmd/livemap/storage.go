package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/OCAP2/livemap/internal/config"
	"github.com/OCAP2/livemap/internal/store"
	"github.com/OCAP2/livemap/internal/store/gormstore"
	"github.com/OCAP2/livemap/internal/store/redisstore"
	"github.com/rs/zerolog"
)

// createStore opens the feed store selected by cfg.Type.
func createStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger, zl zerolog.Logger) (store.Store, error) {
	switch cfg.Type {
	case "postgres":
		db, err := gormstore.OpenPostgres(cfg.Postgres, zl)
		if err != nil {
			return nil, err
		}
		s, err := gormstore.New(db, cfg.PollInterval, zl)
		if err != nil {
			return nil, fmt.Errorf("failed to create Postgres store: %w", err)
		}
		logger.Info("Postgres feed store initialized", "host", cfg.Postgres.Host)
		return s, nil

	case "sqlite":
		db, err := gormstore.OpenSQLite(cfg.SQLitePath, zl)
		if err != nil {
			return nil, err
		}
		s, err := gormstore.New(db, cfg.PollInterval, zl)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite store: %w", err)
		}
		logger.Info("SQLite feed store initialized", "path", cfg.SQLitePath)
		return s, nil

	case "redis":
		s, err := redisstore.New(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis store: %w", err)
		}
		logger.Info("Redis feed store initialized", "addr", cfg.Redis.Addr)
		return s, nil

	case "", "memory":
		logger.Info("Memory feed store initialized")
		return store.NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// httpToWS converts an HTTP(S) URL to a WebSocket URL.
func httpToWS(httpURL string) string {
	s := strings.TrimRight(httpURL, "/")
	s = strings.Replace(s, "https://", "wss://", 1)
	s = strings.Replace(s, "http://", "ws://", 1)
	return s
}
