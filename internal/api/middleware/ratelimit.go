package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a request may proceed. clientID is empty for
// unauthenticated requests.
type RateLimiter interface {
	Allow(clientID string) bool
}

// InMemoryRateLimiter is a single-node RateLimiter built on token buckets.
// Idle client buckets are dropped by a background sweep.
type InMemoryRateLimiter struct {
	global          *rate.Limiter
	unauthenticated *rate.Limiter

	mu        sync.Mutex
	perClient map[string]*clientLimiter

	clientRPS   int
	clientBurst int
	idleTimeout time.Duration
	maxClients  int
	now         func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewInMemoryRateLimiter creates a limiter and starts its cleanup goroutine.
// Call Close to stop it.
func NewInMemoryRateLimiter(cfg *RateLimitConfig) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(cfg.GlobalRPS), computeBurstCapacity(cfg.GlobalRPS, cfg.GlobalBurst)),
		unauthenticated: rate.NewLimiter(rate.Limit(cfg.UnAuthRPS), computeBurstCapacity(cfg.UnAuthRPS, cfg.UnAuthBurst)),
		perClient:       make(map[string]*clientLimiter),
		clientRPS:       cfg.ClientRPS,
		clientBurst:     computeBurstCapacity(cfg.ClientRPS, cfg.ClientBurst),
		idleTimeout:     cfg.IdleTimeout,
		maxClients:      cfg.MaxClients,
		now:             time.Now,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	if rl.idleTimeout <= 0 {
		rl.idleTimeout = rateLimiterIdleTimeout
	}

	if rl.maxClients <= 0 {
		rl.maxClients = defaultMaxClients
	}

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = rateLimiterCleanupInterval
	}

	go rl.runCleanup(interval)

	return rl
}

// Allow checks the global bucket first, then the client's own bucket or the
// shared unauthenticated one.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if clientID == "" {
		return rl.unauthenticated.Allow()
	}

	return rl.clientBucket(clientID).Allow()
}

func (rl *InMemoryRateLimiter) clientBucket(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.perClient[clientID]
	if !ok {
		if len(rl.perClient) >= rl.maxClients {
			rl.evictOldestLocked()
		}

		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst)}
		rl.perClient[clientID] = cl
	}

	cl.lastAccess = rl.now()

	return cl.limiter
}

func (rl *InMemoryRateLimiter) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)

	for id, cl := range rl.perClient {
		if oldestID == "" || cl.lastAccess.Before(oldest) {
			oldestID, oldest = id, cl.lastAccess
		}
	}

	slog.Warn("rate limiter at max clients, evicting least recently used",
		slog.Int("max_clients", rl.maxClients),
		slog.String("evicted_client_id", oldestID),
	)

	delete(rl.perClient, oldestID)
}

// Clients returns the number of tracked client buckets.
func (rl *InMemoryRateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return len(rl.perClient)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		close(rl.stop)
		<-rl.done
	})

	return nil
}

func (rl *InMemoryRateLimiter) runCleanup(interval time.Duration) {
	defer close(rl.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *InMemoryRateLimiter) cleanup() {
	cutoff := rl.now().Add(-rl.idleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, cl := range rl.perClient {
		if cl.lastAccess.Before(cutoff) {
			delete(rl.perClient, id)
		}
	}
}

// RateLimit answers 429 with a problem body when limiter refuses a request.
// It must run after AuthenticateClient to see the client ID.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if clientCtx, ok := GetClientContext(r.Context()); ok {
				clientID = clientCtx.ClientID
			}

			if !limiter.Allow(clientID) {
				logger.Warn("rate limit exceeded",
					slog.String("client_id", clientID),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				w.Header().Set("Retry-After", strconv.Itoa(1))
				writeProblem(w, r, logger, http.StatusTooManyRequests,
					"Rate limit exceeded. Please retry after some time.")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
