package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field constraints that tags cannot
// express. It is called by Load/LoadBytes and exported for callers that build
// a Config by hand.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Pool.MaxConnections < cfg.Pool.MinConnections {
		return fmt.Errorf("pool.max_connections (%d) must be >= pool.min_connections (%d)",
			cfg.Pool.MaxConnections, cfg.Pool.MinConnections)
	}

	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay (%s) must be >= retry.initial_delay (%s)",
			cfg.Retry.MaxDelay, cfg.Retry.InitialDelay)
	}

	if cfg.Store.Vendor == "postgresql" && cfg.Store.ConnectionString == "" {
		if cfg.Store.Host == "" || cfg.Store.Database == "" {
			return fmt.Errorf("store: postgresql requires host and database (or connection_string)")
		}
	}

	return nil
}
