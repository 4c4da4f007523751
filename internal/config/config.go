// Package config loads livemap.cfg.json and LIVEMAP_* environment
// overrides through viper and exposes typed views of the settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OCAP2/livemap/internal/events"
	"github.com/OCAP2/livemap/internal/influx"
	"github.com/OCAP2/livemap/internal/profile"
	"github.com/OCAP2/livemap/internal/reconcile"
	"github.com/OCAP2/livemap/internal/sample"
	"github.com/OCAP2/livemap/internal/store/gormstore"
	"github.com/OCAP2/livemap/internal/store/redisstore"
	"github.com/OCAP2/livemap/internal/track"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// FileName is the config file looked up in the config directory.
const FileName = "livemap.cfg.json"

// EnvPrefix prefixes environment overrides: LIVEMAP_STORE_TYPE sets
// store.type.
const EnvPrefix = "LIVEMAP"

// Load sets defaults, enables environment overrides and reads FileName
// from configDir. A missing file is not an error; defaults and the
// environment apply.
func Load(configDir string) error {
	viper.SetDefault("viewerId", "")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")
	viper.SetDefault("logging.gelfAddr", "")

	viper.SetDefault("tracking.maxAccuracyMeters", 35.0)
	viper.SetDefault("tracking.minIntervalMillis", 1000)
	viper.SetDefault("tracking.maxSpeedMetersPerSec", 40.0)
	viper.SetDefault("tracking.maxJumpMeters", 150.0)
	viper.SetDefault("tracking.jitterMeters", 15.0)
	viper.SetDefault("tracking.turnDegrees", 45.0)
	viper.SetDefault("tracking.paletteSize", 5)
	viper.SetDefault("tracking.eventRefresh", "20s")
	viper.SetDefault("tracking.lookupTimeout", "5s")

	viper.SetDefault("store.type", "memory")
	viper.SetDefault("store.pollInterval", "1s")
	viper.SetDefault("store.sqlite.path", "./livemap.db")
	viper.SetDefault("store.postgres.host", "localhost")
	viper.SetDefault("store.postgres.port", "5432")
	viper.SetDefault("store.postgres.username", "postgres")
	viper.SetDefault("store.postgres.password", "postgres")
	viper.SetDefault("store.postgres.database", "livemap")
	viper.SetDefault("store.postgres.sslMode", "disable")
	viper.SetDefault("store.redis.addr", "localhost:6379")
	viper.SetDefault("store.redis.password", "")
	viper.SetDefault("store.redis.db", 0)
	viper.SetDefault("store.redis.namespace", "livemap:")

	viper.SetDefault("surface.type", "memory")
	viper.SetDefault("surface.url", "ws://localhost:8090/map")
	viper.SetDefault("surface.secret", "")

	viper.SetDefault("profile.source", "store")
	viper.SetDefault("profile.serverUrl", "http://localhost:5000")
	viper.SetDefault("profile.apiKey", "")
	viper.SetDefault("profile.ttl", "10m")
	viper.SetDefault("profile.timeout", "3s")
	viper.SetDefault("profile.rateLimit", 20.0)
	viper.SetDefault("profile.burst", 5)

	viper.SetDefault("ingest.addr", ":8080")
	viper.SetDefault("ingest.allowedOrigins", []string{"*"})
	viper.SetDefault("ingest.queueSize", 64)
	viper.SetDefault("ingest.rateLimit", 5.0)
	viper.SetDefault("ingest.burst", 10)
	viper.SetDefault("ingest.shutdownTimeout", "10s")
	viper.SetDefault("ingest.displayName", "")

	viper.SetDefault("maintenance.statusInterval", "5s")
	viper.SetDefault("maintenance.pruneInterval", "1m")
	viper.SetDefault("maintenance.compactAge", "24h")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.url", "http://localhost:8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "livemap")
	viper.SetDefault("influx.bucket", "location_fixes")
	viper.SetDefault("influx.backupPath", "./logs/influx_backup.lp.gz")
	viper.SetDefault("influx.retentionDays", 90)

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "livemap")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// TrackingConfig holds the engine thresholds.
type TrackingConfig struct {
	ViewerID      string
	Sample        sample.Config
	Route         track.Config
	EventRefresh  time.Duration
	LookupTimeout time.Duration
}

// GetTrackingConfig returns the engine thresholds.
func GetTrackingConfig() TrackingConfig {
	cfg := TrackingConfig{
		ViewerID: viper.GetString("viewerId"),
		Sample: sample.Config{
			MaxAccuracyMeters:    viper.GetFloat64("tracking.maxAccuracyMeters"),
			MinIntervalMillis:    viper.GetInt64("tracking.minIntervalMillis"),
			MaxSpeedMetersPerSec: viper.GetFloat64("tracking.maxSpeedMetersPerSec"),
			MaxJumpMeters:        viper.GetFloat64("tracking.maxJumpMeters"),
		},
		Route: track.Config{
			JitterMeters: viper.GetFloat64("tracking.jitterMeters"),
			TurnDegrees:  viper.GetFloat64("tracking.turnDegrees"),
			PaletteSize:  viper.GetInt("tracking.paletteSize"),
		},
		EventRefresh:  viper.GetDuration("tracking.eventRefresh"),
		LookupTimeout: viper.GetDuration("tracking.lookupTimeout"),
	}
	if cfg.EventRefresh <= 0 {
		cfg.EventRefresh = events.DefaultRefreshInterval
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = reconcile.DefaultLookupTimeout
	}
	return cfg
}

// StoreConfig selects and configures the feed store backend.
type StoreConfig struct {
	// Type is one of memory, sqlite, postgres or redis.
	Type         string
	PollInterval time.Duration
	SQLitePath   string
	Postgres     gormstore.PostgresConfig
	Redis        redisstore.Config
}

// GetStoreConfig returns the feed store settings.
func GetStoreConfig() StoreConfig {
	return StoreConfig{
		Type:         strings.ToLower(viper.GetString("store.type")),
		PollInterval: viper.GetDuration("store.pollInterval"),
		SQLitePath:   viper.GetString("store.sqlite.path"),
		Postgres: gormstore.PostgresConfig{
			Host:     viper.GetString("store.postgres.host"),
			Port:     viper.GetString("store.postgres.port"),
			Username: viper.GetString("store.postgres.username"),
			Password: viper.GetString("store.postgres.password"),
			Database: viper.GetString("store.postgres.database"),
			SSLMode:  viper.GetString("store.postgres.sslMode"),
		},
		Redis: redisstore.Config{
			Addr:      viper.GetString("store.redis.addr"),
			Password:  viper.GetString("store.redis.password"),
			DB:        viper.GetInt("store.redis.db"),
			Namespace: viper.GetString("store.redis.namespace"),
		},
	}
}

// SurfaceConfig selects the map surface.
type SurfaceConfig struct {
	// Type is memory or websocket.
	Type   string
	URL    string
	Secret string
}

// GetSurfaceConfig returns the map surface settings.
func GetSurfaceConfig() SurfaceConfig {
	return SurfaceConfig{
		Type:   strings.ToLower(viper.GetString("surface.type")),
		URL:    viper.GetString("surface.url"),
		Secret: viper.GetString("surface.secret"),
	}
}

// ProfileConfig selects where marker labels and avatars come from.
type ProfileConfig struct {
	// Source is http, store or none.
	Source    string
	ServerURL string
	APIKey    string
	Cached    profile.CachedConfig
}

// GetProfileConfig returns the profile lookup settings.
func GetProfileConfig() ProfileConfig {
	return ProfileConfig{
		Source:    strings.ToLower(viper.GetString("profile.source")),
		ServerURL: viper.GetString("profile.serverUrl"),
		APIKey:    viper.GetString("profile.apiKey"),
		Cached: profile.CachedConfig{
			TTL:       viper.GetDuration("profile.ttl"),
			Timeout:   viper.GetDuration("profile.timeout"),
			RateLimit: rate.Limit(viper.GetFloat64("profile.rateLimit")),
			Burst:     viper.GetInt("profile.burst"),
		},
	}
}

// IngestConfig configures the HTTP location ingest.
type IngestConfig struct {
	Addr           string
	AllowedOrigins []string
	QueueSize      int
	// RateLimit is per client in requests per second; zero disables it.
	RateLimit       float64
	Burst           int
	ShutdownTimeout time.Duration
	// DisplayName is the viewer's name on events it creates or joins.
	DisplayName string
}

// GetIngestConfig returns the HTTP ingest settings.
func GetIngestConfig() IngestConfig {
	return IngestConfig{
		Addr:            viper.GetString("ingest.addr"),
		AllowedOrigins:  viper.GetStringSlice("ingest.allowedOrigins"),
		QueueSize:       viper.GetInt("ingest.queueSize"),
		RateLimit:       viper.GetFloat64("ingest.rateLimit"),
		Burst:           viper.GetInt("ingest.burst"),
		ShutdownTimeout: viper.GetDuration("ingest.shutdownTimeout"),
		DisplayName:     viper.GetString("ingest.displayName"),
	}
}

// MaintenanceConfig holds the background housekeeping intervals.
type MaintenanceConfig struct {
	StatusInterval time.Duration
	PruneInterval  time.Duration
	// CompactAge is how old a deleted row must be before the SQL stores
	// purge it.
	CompactAge time.Duration
}

// GetMaintenanceConfig returns the housekeeping settings.
func GetMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		StatusInterval: viper.GetDuration("maintenance.statusInterval"),
		PruneInterval:  viper.GetDuration("maintenance.pruneInterval"),
		CompactAge:     viper.GetDuration("maintenance.compactAge"),
	}
}

// GetInfluxConfig returns the telemetry sink settings.
func GetInfluxConfig() influx.Config {
	return influx.Config{
		Enabled:       viper.GetBool("influx.enabled"),
		URL:           viper.GetString("influx.url"),
		Token:         viper.GetString("influx.token"),
		Org:           viper.GetString("influx.org"),
		Bucket:        viper.GetString("influx.bucket"),
		BackupPath:    viper.GetString("influx.backupPath"),
		RetentionDays: viper.GetInt("influx.retentionDays"),
	}
}

// OTelConfig holds the OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}
