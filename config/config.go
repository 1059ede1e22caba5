// Package config loads and validates the data-access layer configuration
// from defaults, an optional YAML file, and environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are mapped
// onto configuration keys, e.g. DATALAYER_POOL_MAX_CONNECTIONS -> pool.max_connections.
const EnvPrefix = "DATALAYER_"

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. The YAML file at path, if path is non-empty and the file exists
// 3. Default values (lowest priority)
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(envprovider.Provider(".", envprovider.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			return strings.Replace(key, "_", ".", 1), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return unmarshal(k)
}

// LoadBytes builds a configuration from raw YAML layered over the defaults.
// Environment variables are not consulted.
func LoadBytes(data []byte) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse config bytes: %w", err)
	}

	return unmarshal(k)
}

// Default returns the built-in configuration without consulting files or the
// environment.
func Default() *Config {
	cfg, err := LoadBytes(nil)
	if err != nil {
		// Defaults are static and validated by tests; this cannot fail at runtime.
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func defaults() map[string]any {
	return map[string]any{
		"store.vendor":       "sqlite",
		"store.path":         "data.db",
		"store.busy_timeout": "5s",
		"store.ssl_mode":     "disable",

		"pool.min_connections": 2,
		"pool.max_connections": 10,
		"pool.idle_timeout":    "60s",
		"pool.sweep_interval":  "30s",
		"pool.queue_timeout":   "5s",
		"pool.max_queue_size":  100,

		"cache.table":            "cache_entries",
		"cache.default_ttl":      "5m",
		"cache.cleanup_interval": "60s",
		"cache.lock_timeout":     "10s",

		"retry.max_retries":        3,
		"retry.initial_delay":      "100ms",
		"retry.max_delay":          "5s",
		"retry.backoff_multiplier": 2.0,

		"log.level":  "info",
		"log.pretty": false,
	}
}
