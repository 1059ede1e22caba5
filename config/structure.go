package config

import (
	"time"
)

// Config is the root configuration for the data-access layer.
type Config struct {
	Store StoreConfig `koanf:"store"`
	Pool  PoolConfig  `koanf:"pool"`
	Cache CacheConfig `koanf:"cache"`
	Retry RetryConfig `koanf:"retry"`
	Log   LogConfig   `koanf:"log"`
}

// StoreConfig describes how to reach the underlying relational store.
type StoreConfig struct {
	Vendor string `koanf:"vendor" validate:"required,oneof=sqlite postgresql"`

	// SQLite settings
	Path        string        `koanf:"path"`         // database file, ":memory:" for in-process
	BusyTimeout time.Duration `koanf:"busy_timeout"` // how long SQLite waits on a locked database

	// PostgreSQL settings
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	SSLMode  string `koanf:"ssl_mode"`

	// Connection string override (if needed)
	ConnectionString string `koanf:"connection_string"`
}

// PoolConfig bounds the connection pool and its waiter queue.
type PoolConfig struct {
	MinConnections int           `koanf:"min_connections" validate:"gte=0"`
	MaxConnections int           `koanf:"max_connections" validate:"gte=1"`
	IdleTimeout    time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	SweepInterval  time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	QueueTimeout   time.Duration `koanf:"queue_timeout" validate:"gt=0"`
	MaxQueueSize   int           `koanf:"max_queue_size" validate:"gte=1"`
}

// CacheConfig controls the store-backed TTL cache.
type CacheConfig struct {
	Table           string        `koanf:"table" validate:"required"`
	DefaultTTL      time.Duration `koanf:"default_ttl" validate:"gt=0"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"gte=0"` // 0 disables the background sweep
	LockTimeout     time.Duration `koanf:"lock_timeout" validate:"gt=0"`      // per-key mutex wait bound
}

// RetryConfig parameterizes exponential backoff for retryable store failures.
type RetryConfig struct {
	MaxRetries        int           `koanf:"max_retries" validate:"gte=0"`
	InitialDelay      time.Duration `koanf:"initial_delay" validate:"gt=0"`
	MaxDelay          time.Duration `koanf:"max_delay" validate:"gt=0"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
}

// LogConfig controls the module's structured logging output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}
