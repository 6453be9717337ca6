package main

import (
	"errors"
	"fmt"

	"github.com/medstore-io/medstore/internal/config"
	"github.com/medstore-io/medstore/internal/storage"
	"github.com/medstore-io/medstore/migrations"
)

var (
	errMissingDatabaseURL = errors.New("DATABASE_URL cannot be empty")
	errMissingTable       = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds the migrator settings.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig reads DATABASE_URL and MIGRATION_TABLE and validates them.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", migrations.DefaultTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errMissingDatabaseURL
	}

	if c.MigrationTable == "" {
		return errMissingTable
	}

	return nil
}

// String is safe for logs: the database password is masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		storage.MaskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}
