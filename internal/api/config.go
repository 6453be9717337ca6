// Package api serves the medstore HTTP front end: the study store endpoints,
// health probes and RFC 7807 error responses.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/medstore-io/medstore/internal/config"
)

const (
	defaultPort            int    = 8080
	maxPort                int    = 65535
	defaultHost            string = "0.0.0.0"
	defaultCORSMaxAge      int    = 86400
	defaultReadTimeout            = 5 * time.Minute
	defaultWriteTimeout           = 5 * time.Minute
	defaultShutdownTimeout        = 30 * time.Second
	defaultLogLevel               = slog.LevelInfo
	defaultMaxRequestSize  int64  = 512 << 20
	defaultMaxPartSize     int64  = 64 << 20
	defaultBaseURL         string = "http://localhost:8080"
)

var (
	// ErrInvalidPort indicates the port number is outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")

	// ErrInvalidMaxPartSize indicates a part limit that is not positive or exceeds the request limit.
	ErrInvalidMaxPartSize = errors.New("max part size must be positive and not exceed max request size")

	// ErrEmptyBaseURL indicates no public base URL was configured.
	ErrEmptyBaseURL = errors.New("base URL cannot be empty")
)

type (
	// ServerConfig holds HTTP server configuration. Runtime dependencies are
	// passed to NewServer separately.
	ServerConfig struct {
		Port            int
		Host            string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		LogLevel        slog.Level

		// MaxRequestSize bounds a whole store request body; MaxPartSize bounds
		// each instance within it.
		MaxRequestSize int64
		MaxPartSize    int64

		// BaseURL is the externally visible origin used for RetrieveURL values.
		BaseURL string

		// TempDir holds buffered request parts. Empty means os.TempDir().
		TempDir string

		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig holds CORS configuration and satisfies middleware.CORSConfig.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig reads MEDSTORE_* environment variables with defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("MEDSTORE_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("MEDSTORE_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("MEDSTORE_SERVER_READ_TIMEOUT", defaultReadTimeout),
		WriteTimeout:    config.GetEnvDuration("MEDSTORE_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
		ShutdownTimeout: config.GetEnvDuration("MEDSTORE_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		LogLevel:        config.GetEnvLogLevel("MEDSTORE_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("MEDSTORE_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		MaxPartSize:     config.GetEnvInt64("MEDSTORE_MAX_PART_SIZE", defaultMaxPartSize),
		BaseURL:         config.GetEnvStr("MEDSTORE_BASE_URL", defaultBaseURL),
		TempDir:         config.GetEnvStr("MEDSTORE_TEMP_DIR", ""),
		// "*" suits development only.
		CORSAllowedOrigins: config.GetEnvList("MEDSTORE_CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods: config.GetEnvList("MEDSTORE_CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders: config.GetEnvList("MEDSTORE_CORS_ALLOWED_HEADERS", []string{
			"Content-Type", "Authorization", "X-Correlation-ID", "X-Api-Key",
		}),
		CORSMaxAge: config.GetEnvInt("MEDSTORE_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BufferDir returns the directory for buffered request parts.
func (c *ServerConfig) BufferDir() string {
	if c.TempDir != "" {
		return c.TempDir
	}

	return os.TempDir()
}

// ToCORSConfig extracts the CORS settings.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

func (c *CORSConfig) GetAllowedOrigins() []string { return c.AllowedOrigins }
func (c *CORSConfig) GetAllowedMethods() []string { return c.AllowedMethods }
func (c *CORSConfig) GetAllowedHeaders() []string { return c.AllowedHeaders }
func (c *CORSConfig) GetMaxAge() int              { return c.MaxAge }

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	if c.MaxPartSize <= 0 || c.MaxPartSize > c.MaxRequestSize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxPartSize, c.MaxPartSize)
	}

	if c.BaseURL == "" {
		return ErrEmptyBaseURL
	}

	return nil
}
