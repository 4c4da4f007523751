package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
	return dir
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, `{
		"viewerId": "u1",
		"logLevel": "debug",
		"store": { "type": "Redis", "redis": { "addr": "10.0.0.1:6379" } }
	}`)
	require.NoError(t, Load(dir))

	assert.Equal(t, "debug", GetString("logLevel"))
	assert.Equal(t, "u1", GetTrackingConfig().ViewerID)

	sc := GetStoreConfig()
	assert.Equal(t, "redis", sc.Type)
	assert.Equal(t, "10.0.0.1:6379", sc.Redis.Addr)
	assert.Equal(t, "livemap:", sc.Redis.Namespace)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(t.TempDir()))
	assert.Equal(t, "info", GetString("logLevel"))
	assert.Empty(t, GetString("logging.gelfAddr"))
	assert.Equal(t, "memory", GetStoreConfig().Type)
}

func TestLoad_InvalidFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, `{ not json`)
	err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("LIVEMAP_STORE_TYPE", "sqlite")
	t.Setenv("LIVEMAP_TRACKING_MAXJUMPMETERS", "300")

	dir := writeConfig(t, `{ "store": { "type": "memory" } }`)
	require.NoError(t, Load(dir))

	assert.Equal(t, "sqlite", GetStoreConfig().Type)
	assert.Equal(t, 300.0, GetTrackingConfig().Sample.MaxJumpMeters)
}

func TestGetTrackingConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetTrackingConfig()
	assert.Equal(t, 35.0, cfg.Sample.MaxAccuracyMeters)
	assert.Equal(t, int64(1000), cfg.Sample.MinIntervalMillis)
	assert.Equal(t, 40.0, cfg.Sample.MaxSpeedMetersPerSec)
	assert.Equal(t, 150.0, cfg.Sample.MaxJumpMeters)
	assert.Equal(t, 15.0, cfg.Route.JitterMeters)
	assert.Equal(t, 45.0, cfg.Route.TurnDegrees)
	assert.Equal(t, 5, cfg.Route.PaletteSize)
	assert.Equal(t, 20*time.Second, cfg.EventRefresh)
	assert.Equal(t, 5*time.Second, cfg.LookupTimeout)
}

func TestGetTrackingConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"tracking": { "maxAccuracyMeters": 20, "eventRefresh": "1m", "paletteSize": 3 }
	}`)))

	cfg := GetTrackingConfig()
	assert.Equal(t, 20.0, cfg.Sample.MaxAccuracyMeters)
	assert.Equal(t, time.Minute, cfg.EventRefresh)
	assert.Equal(t, 3, cfg.Route.PaletteSize)
}

func TestGetStoreConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	sc := GetStoreConfig()
	assert.Equal(t, "memory", sc.Type)
	assert.Equal(t, time.Second, sc.PollInterval)
	assert.Equal(t, "./livemap.db", sc.SQLitePath)
	assert.Equal(t, "localhost", sc.Postgres.Host)
	assert.Equal(t, "livemap", sc.Postgres.Database)
	assert.Equal(t, "disable", sc.Postgres.SSLMode)
	assert.Equal(t, "localhost:6379", sc.Redis.Addr)
}

func TestGetSurfaceAndProfileConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"surface": { "type": "websocket", "url": "ws://map:9000/ws", "secret": "s3cret" },
		"profile": { "source": "http", "serverUrl": "http://profiles", "rateLimit": 2.5 }
	}`)))

	surf := GetSurfaceConfig()
	assert.Equal(t, "websocket", surf.Type)
	assert.Equal(t, "ws://map:9000/ws", surf.URL)
	assert.Equal(t, "s3cret", surf.Secret)

	pc := GetProfileConfig()
	assert.Equal(t, "http", pc.Source)
	assert.Equal(t, "http://profiles", pc.ServerURL)
	assert.Equal(t, rate.Limit(2.5), pc.Cached.RateLimit)
	assert.Equal(t, 10*time.Minute, pc.Cached.TTL)
	assert.Equal(t, 3*time.Second, pc.Cached.Timeout)
}

func TestGetIngestAndInfluxConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"ingest": { "allowedOrigins": ["https://app.example"], "rateLimit": 0 },
		"influx": { "enabled": true, "token": "tok" }
	}`)))

	ic := GetIngestConfig()
	assert.Equal(t, ":8080", ic.Addr)
	assert.Equal(t, []string{"https://app.example"}, ic.AllowedOrigins)
	assert.Equal(t, 64, ic.QueueSize)
	assert.Zero(t, ic.RateLimit)
	assert.Equal(t, 10, ic.Burst)
	assert.Equal(t, 10*time.Second, ic.ShutdownTimeout)

	inf := GetInfluxConfig()
	assert.True(t, inf.Enabled)
	assert.Equal(t, "tok", inf.Token)
	assert.Equal(t, "location_fixes", inf.Bucket)
	assert.Equal(t, 90, inf.RetentionDays)
}

func TestGetMaintenanceConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("LIVEMAP_MAINTENANCE_PRUNEINTERVAL", "30s")
	require.NoError(t, Load(t.TempDir()))

	mc := GetMaintenanceConfig()
	assert.Equal(t, 5*time.Second, mc.StatusInterval)
	assert.Equal(t, 30*time.Second, mc.PruneInterval)
	assert.Equal(t, 24*time.Hour, mc.CompactAge)
}

func TestGetOTelConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	oc := GetOTelConfig()
	assert.False(t, oc.Enabled)
	assert.Equal(t, "livemap", oc.ServiceName)
	assert.Equal(t, 5*time.Second, oc.BatchTimeout)
	assert.True(t, oc.Insecure)

	viper.Reset()
	require.NoError(t, Load(writeConfig(t, `{
		"otel": { "enabled": true, "serviceName": "my-service", "batchTimeout": "30s", "endpoint": "localhost:4318", "insecure": false }
	}`)))
	oc = GetOTelConfig()
	assert.True(t, oc.Enabled)
	assert.Equal(t, "my-service", oc.ServiceName)
	assert.Equal(t, 30*time.Second, oc.BatchTimeout)
	assert.Equal(t, "localhost:4318", oc.Endpoint)
	assert.False(t, oc.Insecure)
}

func TestGetBool(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testBool", true)
	assert.True(t, GetBool("testBool"))
}
