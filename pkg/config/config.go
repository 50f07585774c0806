// Package config loads server configuration from the environment.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds server configuration. All values come from GOVREC_-prefixed
// environment variables.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// StoreDriver selects the revision store backend: sqlite, postgres, or
	// memory (dev/testing only).
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	// SQLitePath is the database file used when StoreDriver is sqlite.
	SQLitePath string `envconfig:"SQLITE_PATH" default:"govrec.db"`
	// PostgresURL is the connection URL used when StoreDriver is postgres.
	PostgresURL string `envconfig:"POSTGRES_URL" default:"postgres://govrec@localhost:5432/govrec?sslmode=disable"`

	// SchemaDir holds per-module JSON Schema files (<module_type>.json)
	// driving finalize validation. Empty disables schema validation.
	SchemaDir string `envconfig:"SCHEMA_DIR" default:""`

	RateLimitRPS   int `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst int `envconfig:"RATE_LIMIT_BURST" default:"100"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("govrec", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}
