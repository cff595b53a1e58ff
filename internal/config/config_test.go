package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfigFile, "DB_URL", "REDIS_URL", "RATES_STORE", "SERVER_PORT",
		"SYNC_BATCH_SIZE", "SYNC_SCHEDULE", "RATES_SPOT_TTL", "RATES_BRIDGE_CURRENCY",
		"TRACING_SAMPLE_RATIO", "CHAINS_ENABLED", "LOG_LEVEL",
		"ALERTS_SLACK_WEBHOOK_URL", "ALERTS_WEBHOOK_URL", "ALERTS_COOLDOWN",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, uint64(50), cfg.Sync.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Sync.HeadTimeout)
	assert.Equal(t, "@every 5m", cfg.Sync.Schedule)
	assert.Equal(t, 5*time.Minute, cfg.Rates.SpotTTL)
	assert.Equal(t, 24*time.Hour, cfg.Rates.HistoricalTTL)
	assert.Equal(t, "USD", cfg.Rates.BridgeCurrency)
	assert.Equal(t, "postgres", cfg.Rates.Store)
	assert.Equal(t, dbStatementTimeoutDefaultMS, cfg.DB.StatementTimeoutMS)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Nil(t, cfg.Chains.EnabledChains())
	assert.Equal(t, 30*time.Minute, cfg.Alerts.Cooldown)
	assert.Empty(t, cfg.Alerts.SlackWebhookURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_URL", "postgres://u:p@db:5432/ledger")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SYNC_BATCH_SIZE", "200")
	t.Setenv("RATES_SPOT_TTL", "90s")
	t.Setenv("RATES_BRIDGE_CURRENCY", " eur ")
	t.Setenv("RATES_STORE", "Redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("CHAINS_ENABLED", "moonbeam, polkadot,,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/ledger", cfg.DB.URL)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, uint64(200), cfg.Sync.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Rates.SpotTTL)
	assert.Equal(t, "EUR", cfg.Rates.BridgeCurrency)
	assert.Equal(t, "redis", cfg.Rates.Store)
	assert.Equal(t, []string{"moonbeam", "polkadot"}, cfg.Chains.EnabledChains())
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ledgersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
  batch_size: 25
  schedule: "*/10 * * * *"
log:
  level: debug
`), 0o600))
	t.Setenv(EnvConfigFile, path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, uint64(25), cfg.Sync.BatchSize)
	assert.Equal(t, "*/10 * * * *", cfg.Sync.Schedule)
	assert.Equal(t, "warn", cfg.Log.Level, "env wins over file")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero batch", map[string]string{"SYNC_BATCH_SIZE": "0"}, "SYNC_BATCH_SIZE"},
		{"bad port", map[string]string{"SERVER_PORT": "70000"}, "SERVER_PORT"},
		{"redis without url", map[string]string{"RATES_STORE": "redis"}, "REDIS_URL"},
		{"unknown store", map[string]string{"RATES_STORE": "etcd"}, "RATES_STORE"},
		{"bad schedule", map[string]string{"SYNC_SCHEDULE": "every now and then"}, "SYNC_SCHEDULE"},
		{"sample ratio", map[string]string{"TRACING_SAMPLE_RATIO": "1.5"}, "TRACING_SAMPLE_RATIO"},
		{"zero ttl", map[string]string{"RATES_SPOT_TTL": "0s"}, "RATES_SPOT_TTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
