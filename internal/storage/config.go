package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medstore-io/medstore/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	defaultCleanupInterval = 15 * time.Minute
	defaultPendingTTL      = time.Hour
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrInvalidPoolSize is returned when the connection pool limits are inconsistent.
	ErrInvalidPoolSize = errors.New("invalid connection pool size")

	// ErrInvalidPendingTTL is returned when the pending TTL is not positive.
	ErrInvalidPendingTTL = errors.New("pending TTL must be greater than zero")
)

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections

	// CleanupInterval is how often pending rows left by interrupted stores are reclaimed.
	CleanupInterval time.Duration
	// PendingTTL is how long a row may stay pending before it is considered orphaned.
	PendingTTL time.Duration
}

// NewConfig returns a Config with defaults for the given database URL.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		CleanupInterval: defaultCleanupInterval,
		PendingTTL:      defaultPendingTTL,
	}
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		CleanupInterval: config.GetEnvDuration("MEDSTORE_PENDING_CLEANUP_INTERVAL", defaultCleanupInterval),
		PendingTTL:      config.GetEnvDuration("MEDSTORE_PENDING_TTL", defaultPendingTTL),
	}
}

// DatabaseURL returns the raw connection string. Never log it; use MaskDatabaseURL.
func (c *Config) DatabaseURL() string {
	return c.databaseURL
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MaxOpenConns <= 0 || c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("%w: max_open=%d max_idle=%d", ErrInvalidPoolSize, c.MaxOpenConns, c.MaxIdleConns)
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCleanupInterval, c.CleanupInterval)
	}

	if c.PendingTTL <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPendingTTL, c.PendingTTL)
	}

	return nil
}

// MaskDatabaseURL returns the configured URL with its password masked.
func (c *Config) MaskDatabaseURL() string {
	return MaskDatabaseURL(c.databaseURL)
}

// MaskDatabaseURL returns databaseURL with the password replaced by "***", safe for logging.
// URLs without userinfo or without a password are returned unchanged.
func MaskDatabaseURL(databaseURL string) string {
	if databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(databaseURL, "://")
	if schemeEnd == -1 {
		return databaseURL
	}

	// The last @ separates userinfo from host; passwords may contain '@'.
	afterScheme := databaseURL[schemeEnd+3:]

	lastAt := strings.LastIndex(afterScheme, "@")
	if lastAt == -1 {
		return databaseURL
	}

	userInfo := afterScheme[:lastAt]

	colon := strings.Index(userInfo, ":")
	if colon == -1 {
		return databaseURL
	}

	return databaseURL[:schemeEnd+3] + userInfo[:colon] + ":***" + afterScheme[lastAt:]
}
