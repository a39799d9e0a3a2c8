// Package config loads engine settings from an optional YAML file with
// environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts YAML duration strings ("30m") as well as integer
// nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	// Port is the HTTP introspection listen port.
	Port int `yaml:"port"`

	// MetricsPort is the Prometheus listen port. Zero disables metrics.
	MetricsPort int `yaml:"metrics_port"`

	// RedisAddr enables downstream publishing when non-empty.
	RedisAddr string `yaml:"redis_addr"`

	BinanceShards int `yaml:"binance_shards"`
	OKXShards     int `yaml:"okx_shards"`

	// SettlementLimit is the Stage-0 batch limit.
	SettlementLimit int `yaml:"settlement_limit"`

	// AsyncPush delivers terminal records on a bounded worker pool.
	AsyncPush bool `yaml:"async_push"`

	FetchInterval   Duration `yaml:"fetch_interval"`
	FetchRowLimit   int      `yaml:"fetch_row_limit"`
	FetchStartDelay Duration `yaml:"fetch_start_delay"`

	// Endpoint overrides, empty selects production.
	BinanceWSURL   string `yaml:"binance_ws_url"`
	BinanceRestURL string `yaml:"binance_rest_url"`
	OKXWSURL       string `yaml:"okx_ws_url"`
	OKXRestURL     string `yaml:"okx_rest_url"`

	// Static symbol lists (canonical form) used when REST discovery fails.
	BinanceSymbols []string `yaml:"binance_symbols"`
	OKXSymbols     []string `yaml:"okx_symbols"`
}

// Default returns the baked-in configuration.
func Default() *Config {
	return &Config{
		Port:            10000,
		MetricsPort:     9090,
		RedisAddr:       "",
		BinanceShards:   2,
		OKXShards:       1,
		SettlementLimit: 10,
		AsyncPush:       true,
		FetchInterval:   Duration(time.Hour),
		FetchRowLimit:   1000,
		FetchStartDelay: Duration(3 * time.Minute),
		BinanceSymbols:  []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"},
		OKXSymbols:      []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"},
	}
}

// Load reads the optional YAML file at path and applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.BinanceShards < 1 || cfg.OKXShards < 1 {
		return nil, fmt.Errorf("shard counts must be at least 1")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := getEnvInt("PORT", 0); v > 0 {
		c.Port = v
	}
	if v := getEnvInt("METRICS_PORT", -1); v >= 0 {
		c.MetricsPort = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := getEnvInt("BINANCE_SHARDS", 0); v > 0 {
		c.BinanceShards = v
	}
	if v := getEnvInt("OKX_SHARDS", 0); v > 0 {
		c.OKXShards = v
	}
	if v := getEnvInt("SETTLEMENT_LIMIT", 0); v > 0 {
		c.SettlementLimit = v
	}
	if v := os.Getenv("FETCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.FetchInterval = Duration(d)
		}
	}
	if v := os.Getenv("BINANCE_WS_URL"); v != "" {
		c.BinanceWSURL = v
	}
	if v := os.Getenv("BINANCE_REST_URL"); v != "" {
		c.BinanceRestURL = v
	}
	if v := os.Getenv("OKX_WS_URL"); v != "" {
		c.OKXWSURL = v
	}
	if v := os.Getenv("OKX_REST_URL"); v != "" {
		c.OKXRestURL = v
	}
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
