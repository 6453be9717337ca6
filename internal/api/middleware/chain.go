package middleware

import (
	"log/slog"
	"net/http"

	"github.com/medstore-io/medstore/internal/storage"
)

// Option wraps a handler with one middleware.
type Option func(http.Handler) http.Handler

// Apply wraps handler so that the first option runs first on each request.
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// WithCorrelationID adds CorrelationID.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery adds Recovery.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAuth adds AuthenticateClient. A nil store disables authentication.
func WithAuth(store storage.APIKeyStore, logger *slog.Logger) Option {
	if store == nil {
		return passthrough
	}

	return AuthenticateClient(store, logger)
}

// WithRateLimit adds RateLimit. A nil limiter disables rate limiting.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return passthrough
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger adds RequestLogger.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS adds CORS.
func WithCORS(cfg CORSConfig) Option {
	return CORS(cfg)
}
