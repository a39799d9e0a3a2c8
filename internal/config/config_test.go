package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Port)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, 2, cfg.BinanceShards)
	assert.Equal(t, 1, cfg.OKXShards)
	assert.Equal(t, 10, cfg.SettlementLimit)
	assert.Equal(t, time.Hour, cfg.FetchInterval.Std())
	assert.Equal(t, 3*time.Minute, cfg.FetchStartDelay.Std())
	assert.True(t, cfg.AsyncPush)
	assert.NotEmpty(t, cfg.BinanceSymbols)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
binance_shards: 4
settlement_limit: 5
redis_addr: "redis:6379"
okx_symbols: ["BTCUSDT"]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.BinanceShards)
	assert.Equal(t, 5, cfg.SettlementLimit)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.OKXSymbols)

	// Untouched keys keep their defaults.
	assert.Equal(t, 1, cfg.OKXShards)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("REDIS_ADDR", "envhost:6379")
	t.Setenv("FETCH_INTERVAL", "30m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "envhost:6379", cfg.RedisAddr)
	assert.Equal(t, 30*time.Minute, cfg.FetchInterval.Std())
}

func TestYAMLDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch_interval: 15m\nfetch_start_delay: 1m\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.FetchInterval.Std())
	assert.Equal(t, time.Minute, cfg.FetchStartDelay.Std())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad port", yaml: "port: -1"},
		{name: "zero shards", yaml: "binance_shards: 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "engine.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
