package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OCAP2/livemap/internal/clock"
	"github.com/OCAP2/livemap/internal/config"
	"github.com/OCAP2/livemap/internal/dispatcher"
	"github.com/OCAP2/livemap/internal/influx"
	"github.com/OCAP2/livemap/internal/logging"
	"github.com/OCAP2/livemap/internal/monitor"
	"github.com/OCAP2/livemap/internal/orchestrator"
	"github.com/OCAP2/livemap/internal/provider"
	"github.com/OCAP2/livemap/internal/provider/httpingest"
	"github.com/OCAP2/livemap/internal/session"
	"github.com/OCAP2/livemap/internal/store"
	"github.com/OCAP2/livemap/internal/store/gormstore"
	"github.com/OCAP2/livemap/pkg/core"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const dispatcherQueueSize = 4096

// app owns every long-lived component of the process.
type app struct {
	logger *slog.Logger
	clock  clock.Clock
	ingest config.IngestConfig

	store        store.Store
	records      *store.Records
	closeSurface func() error
	loop         *dispatcher.Dispatcher
	fixes        *provider.Channel
	sink         *influx.Sink
	orch         *orchestrator.Orchestrator
	monitor      *monitor.Service
	maintenance  *maintenance
	handler      http.Handler
}

// zerologFor returns a connector logger, or a disabled one before logging
// is set up.
func zerologFor(component string) zerolog.Logger {
	if SlogManager == nil {
		return zerolog.Nop()
	}
	return SlogManager.Zerolog(component)
}

// dispatcherOptions sizes the loop queue and, at debug level, logs the
// timing of every task.
func dispatcherOptions(logLevel string) []dispatcher.Option {
	opts := []dispatcher.Option{dispatcher.QueueSize(dispatcherQueueSize)}
	if strings.EqualFold(logLevel, "debug") {
		opts = append(opts, dispatcher.Logged())
	}
	return opts
}

// newApp builds the components from the loaded config. On error everything
// opened so far is closed again.
func newApp(ctx context.Context, logger *slog.Logger) (a *app, err error) {
	if Session == nil {
		Session = session.NewContext()
	}
	tracking := config.GetTrackingConfig()
	if tracking.ViewerID == "" {
		return nil, errors.New("viewerId is not configured")
	}

	a = &app{
		logger: logger,
		clock:  clock.Real{},
		ingest: config.GetIngestConfig(),
	}
	defer func() {
		if err != nil {
			a.shutdown()
			a = nil
		}
	}()

	if a.store, err = createStore(ctx, config.GetStoreConfig(), logger, zerologFor("store")); err != nil {
		return a, err
	}
	a.records = store.NewRecords(a.store)

	surf, closeSurface, err := createSurface(config.GetSurfaceConfig(), Session.Get().ID, tracking.ViewerID, logger)
	if err != nil {
		return a, err
	}
	a.closeSurface = closeSurface

	profiles, err := createProfiles(ctx, config.GetProfileConfig(), a.records, logger)
	if err != nil {
		return a, err
	}

	a.loop, err = dispatcher.New(logging.NewDispatcherLogger(zerologFor("dispatcher")), dispatcherOptions(config.GetString("logLevel"))...)
	if err != nil {
		return a, fmt.Errorf("create dispatcher: %w", err)
	}
	a.fixes = provider.NewChannel(a.ingest.QueueSize)

	var telemetry orchestrator.Telemetry
	if ic := config.GetInfluxConfig(); ic.Enabled {
		a.sink = influx.NewSink(ic, zerologFor("influx"))
		if err := a.sink.Connect(ctx); err != nil {
			logger.Warn("Fix telemetry disabled", "error", err)
		} else {
			telemetry = a.sink
		}
	}

	a.orch = orchestrator.New(orchestrator.Config{
		ViewerID:      tracking.ViewerID,
		Provider:      a.fixes,
		Records:       a.records,
		Surface:       surf,
		Loop:          a.loop,
		Clock:         a.clock,
		Profiles:      profiles,
		Session:       Session,
		Telemetry:     telemetry,
		Sample:        tracking.Sample,
		Route:         tracking.Route,
		EventRefresh:  tracking.EventRefresh,
		LookupTimeout: tracking.LookupTimeout,
		OnUserTap: func(userID string) {
			logger.Info("User marker tapped", "user", userID)
		},
		OnEventOpen: func(e core.EventRecord) {
			logger.Info("Event opened", "event", e.EventID, "name", e.Name, "participants", len(e.Participants))
		},
		Logger: logger,
	})

	mc := config.GetMaintenanceConfig()
	statusPath := ""
	if dir := config.GetString("logsDir"); dir != "" {
		statusPath = filepath.Join(dir, "livemap.status.json")
	}
	a.monitor = monitor.NewService(monitor.Dependencies{
		Status:   func() any { return a.orch.Status() },
		QueueLen: a.loop.Len,
		Path:     statusPath,
		Interval: mc.StatusInterval,
		Clock:    a.clock,
		Logger:   logger,
	})

	var compact compactFunc
	if gs, ok := a.store.(*gormstore.Store); ok {
		compact = gs.Compact
	}
	a.maintenance = newMaintenance(a.records, compact, a.clock, mc, logger)

	events := httpingest.NewEventsHandler(logger, a.records, a.clock, tracking.ViewerID, a.ingest.DisplayName)
	router := httpingest.NewRouter(
		httpingest.NewHandler(logger, a.fixes, func() any { return a.orch.Status() }),
		httpingest.Options{RateLimit: a.ingest.RateLimit, Burst: a.ingest.Burst, Events: events},
	)
	a.handler = cors.New(cors.Options{
		AllowedOrigins: a.ingest.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	return a, nil
}

// start begins tracking and the background services.
func (a *app) start(ctx context.Context) error {
	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := a.monitor.Start(); err != nil {
		a.logger.Warn("Status monitor not started", "error", err)
	}
	a.maintenance.start(ctx)
	return nil
}

// run starts the engine and serves the ingest API until ctx is done.
func (a *app) run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	return serve(ctx, a.ingest, a.handler, a.logger)
}

// shutdown stops the components in reverse dependency order. It is safe on
// a partially built app.
func (a *app) shutdown() {
	if a.orch != nil {
		a.orch.Stop()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.maintenance != nil {
		a.maintenance.stop()
	}
	if a.fixes != nil {
		a.fixes.Close()
	}
	if a.loop != nil {
		a.loop.Close()
	}
	if a.closeSurface != nil {
		if err := a.closeSurface(); err != nil {
			a.logger.Warn("Failed to close map surface", "error", err)
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("Failed to close telemetry sink", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close feed store", "error", err)
		}
	}
}

// serve runs the HTTP server until ctx is done, then shuts it down within
// the configured timeout.
func serve(ctx context.Context, cfg config.IngestConfig, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting ingest server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("ListenAndServe error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down ingest server", slog.String("reason", context.Cause(ctx).Error()))

		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", slog.Any("error", err))
			return err
		}
		return nil

	case err := <-errChan:
		return err
	}
}

type compactFunc func(ctx context.Context, age time.Duration) (int64, error)

// maintenance periodically deletes expired events and, on the SQL stores,
// purges old tombstones.
type maintenance struct {
	records *store.Records
	compact compactFunc
	clock   clock.Clock
	cfg     config.MaintenanceConfig
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newMaintenance(records *store.Records, compact compactFunc, clk clock.Clock, cfg config.MaintenanceConfig, logger *slog.Logger) *maintenance {
	return &maintenance{records: records, compact: compact, clock: clk, cfg: cfg, logger: logger}
}

func (m *maintenance) start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.cfg.PruneInterval <= 0 {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	ticker := m.clock.NewTicker(m.cfg.PruneInterval)

	go func(done chan<- struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.sweep(ctx)
			}
		}
	}(m.done)
}

func (m *maintenance) sweep(ctx context.Context) {
	n, err := m.records.PruneExpired(ctx, clock.NowMillis(m.clock))
	if err != nil {
		m.logger.Warn("Failed to prune expired events", "error", err)
	} else if n > 0 {
		m.logger.Debug("Pruned expired events", "count", n)
	}

	if m.compact == nil || m.cfg.CompactAge <= 0 {
		return
	}
	if rows, err := m.compact(ctx, m.cfg.CompactAge); err != nil {
		m.logger.Warn("Failed to compact feed store", "error", err)
	} else if rows > 0 {
		m.logger.Debug("Compacted feed store", "rows", rows)
	}
}

func (m *maintenance) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
