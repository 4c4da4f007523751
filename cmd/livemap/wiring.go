package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/OCAP2/livemap/internal/config"
	"github.com/OCAP2/livemap/internal/profile"
	"github.com/OCAP2/livemap/internal/store"
	"github.com/OCAP2/livemap/internal/surface"
	"github.com/OCAP2/livemap/internal/surface/wssurface"
)

// createSurface returns the map surface and a function that disconnects
// it.
func createSurface(cfg config.SurfaceConfig, sessionID, viewerID string, logger *slog.Logger) (surface.Surface, func() error, error) {
	switch cfg.Type {
	case "websocket":
		url := httpToWS(cfg.URL)
		s := wssurface.New(wssurface.Config{
			URL:       url,
			Secret:    cfg.Secret,
			SessionID: sessionID,
			ViewerID:  viewerID,
		}, logger)
		if err := s.Init(); err != nil {
			return nil, nil, fmt.Errorf("connect map host: %w", err)
		}
		logger.Info("WebSocket map surface connected", "url", url)
		return s, s.Close, nil

	case "", "memory":
		logger.Info("Memory map surface initialized")
		return surface.NewMemory(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown surface type %q", cfg.Type)
	}
}

// createProfiles builds the profile lookup chain. A nil Lookup makes the
// engine label markers with user ids.
func createProfiles(ctx context.Context, cfg config.ProfileConfig, records *store.Records, logger *slog.Logger) (profile.Lookup, error) {
	switch cfg.Source {
	case "http":
		client := profile.NewClient(cfg.ServerURL, cfg.APIKey)
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Healthcheck(checkCtx); err != nil {
			logger.Warn("Profile service not reachable, falling back to stored profiles", "url", cfg.ServerURL, "error", err)
		} else {
			logger.Info("Profile service reachable", "url", cfg.ServerURL)
		}
		return profile.Chain(profile.NewCachedLookup(client, cfg.Cached), profile.NewStoreLookup(records)), nil

	case "store":
		return profile.NewStoreLookup(records), nil

	case "", "none":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown profile source %q", cfg.Source)
	}
}
