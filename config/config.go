// Package config loads engine settings from the environment for
// applications embedding the migrator. The retry policy values have
// env defaults here precisely because the core refuses to invent them:
// the contention budget is configuration, not library policy.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/quarrydb/quarry/gate"
	"github.com/quarrydb/quarry/store"
	"github.com/quarrydb/quarry/store/sqlite"
)

// Config carries the environment-configurable settings.
type Config struct {
	// StorePath is the embedded store file path.
	StorePath string `env:"QUARRY_STORE_PATH" envDefault:"quarry.db"`

	// Durability is the store-wide flush policy: full or normal.
	Durability string `env:"QUARRY_DURABILITY" envDefault:"full"`

	// LockMaxAttempts bounds write-lock acquisition attempts.
	LockMaxAttempts int `env:"QUARRY_LOCK_MAX_ATTEMPTS" envDefault:"5"`

	// LockBaseDelay is the backoff after the first Busy response.
	LockBaseDelay time.Duration `env:"QUARRY_LOCK_BASE_DELAY" envDefault:"10ms"`

	// LockMultiplier scales the backoff per attempt.
	LockMultiplier float64 `env:"QUARRY_LOCK_MULTIPLIER" envDefault:"2.0"`

	// LockMaxElapsed bounds the total wait across attempts.
	LockMaxElapsed time.Duration `env:"QUARRY_LOCK_MAX_ELAPSED" envDefault:"5s"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	mode := store.DurabilityMode(cfg.Durability)
	if !mode.Valid() {
		return Config{}, fmt.Errorf("unknown durability mode %q", cfg.Durability)
	}
	return cfg, nil
}

// StoreOptions returns the sqlite store options for this configuration.
func (c Config) StoreOptions() sqlite.Options {
	return sqlite.Options{
		Path:       c.StorePath,
		Durability: store.DurabilityMode(c.Durability),
	}
}

// RetryPolicy returns the write-lock retry policy for this configuration.
func (c Config) RetryPolicy() gate.RetryPolicy {
	return gate.RetryPolicy{
		MaxAttempts: c.LockMaxAttempts,
		BaseDelay:   c.LockBaseDelay,
		Multiplier:  c.LockMultiplier,
		MaxElapsed:  c.LockMaxElapsed,
	}
}
