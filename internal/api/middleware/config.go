package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/medstore-io/medstore/internal/config"
)

const (
	defaultGlobalRPS           = 200
	defaultClientRPS           = 50
	defaultUnAuthRPS           = 10
	defaultMaxClients          = 1000
	burstCapacityMultiplier    = 2
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTimeout     = time.Hour
)

// ErrInvalidRateLimit is returned for a non-positive rate.
var ErrInvalidRateLimit = errors.New("rate limit must be positive")

// RateLimitConfig configures InMemoryRateLimiter.
//
// Three token buckets apply: a global one for every request, one per
// authenticated client, and a shared one for requests without a client.
// A burst of zero means twice the rate.
type RateLimitConfig struct {
	Enabled bool

	GlobalRPS int
	ClientRPS int
	UnAuthRPS int

	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadRateLimitConfig reads MEDSTORE_RATE_LIMIT_* variables.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: config.GetEnvBool("MEDSTORE_RATE_LIMIT_ENABLED", true),

		GlobalRPS: config.GetEnvInt("MEDSTORE_RATE_LIMIT_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("MEDSTORE_RATE_LIMIT_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("MEDSTORE_RATE_LIMIT_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("MEDSTORE_RATE_LIMIT_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("MEDSTORE_RATE_LIMIT_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("MEDSTORE_RATE_LIMIT_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("MEDSTORE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("MEDSTORE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("MEDSTORE_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}

// Validate checks the configured rates.
func (c *RateLimitConfig) Validate() error {
	for name, rps := range map[string]int{"global": c.GlobalRPS, "client": c.ClientRPS, "unauth": c.UnAuthRPS} {
		if rps <= 0 {
			return fmt.Errorf("%w: %s rate %d", ErrInvalidRateLimit, name, rps)
		}
	}

	return nil
}

func computeBurstCapacity(rps, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rps * burstCapacityMultiplier
}
