package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClient = "ct-scanner-01"

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestLimiter(t *testing.T, cfg *RateLimitConfig) *InMemoryRateLimiter {
	t.Helper()

	rl := NewInMemoryRateLimiter(cfg)
	t.Cleanup(func() { _ = rl.Close() })

	return rl
}

func countAllowed(rl RateLimiter, clientID string, attempts int) int {
	allowed := 0

	for range attempts {
		if rl.Allow(clientID) {
			allowed++
		}
	}

	return allowed
}

func TestRateLimiter_Tiers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("global limit applies to every client", func(t *testing.T) {
		rl := newTestLimiter(t, &RateLimitConfig{GlobalRPS: 10, GlobalBurst: 10, ClientRPS: 50, UnAuthRPS: 2})
		assert.Equal(t, 10, countAllowed(rl, testClient, 11))
	})

	t.Run("client limit", func(t *testing.T) {
		rl := newTestLimiter(t, &RateLimitConfig{GlobalRPS: 100, ClientRPS: 5, ClientBurst: 5, UnAuthRPS: 2})
		assert.Equal(t, 5, countAllowed(rl, testClient, 6))
	})

	t.Run("unauthenticated limit", func(t *testing.T) {
		rl := newTestLimiter(t, &RateLimitConfig{GlobalRPS: 100, ClientRPS: 50, UnAuthRPS: 3, UnAuthBurst: 3})
		assert.Equal(t, 3, countAllowed(rl, "", 5))
	})

	t.Run("burst defaults to twice the rate", func(t *testing.T) {
		rl := newTestLimiter(t, &RateLimitConfig{GlobalRPS: 100, ClientRPS: 4, UnAuthRPS: 1})
		assert.Equal(t, 8, countAllowed(rl, testClient, 12))
	})

	t.Run("clients are isolated", func(t *testing.T) {
		rl := newTestLimiter(t, &RateLimitConfig{GlobalRPS: 100, ClientRPS: 2, ClientBurst: 2, UnAuthRPS: 1})
		assert.Equal(t, 2, countAllowed(rl, "client-a", 5))
		assert.Equal(t, 2, countAllowed(rl, "client-b", 5))
	})
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &RateLimitConfig{GlobalRPS: 1000, ClientRPS: 1000, UnAuthRPS: 1000})

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			client := testClient
			if i%2 == 0 {
				client = "other"
			}

			for range 50 {
				rl.Allow(client)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 2, rl.Clients())
}

func TestRateLimiter_Cleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &RateLimitConfig{
		GlobalRPS:   100,
		ClientRPS:   10,
		UnAuthRPS:   10,
		IdleTimeout: time.Minute,
	})

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("idle")

	now = now.Add(2 * time.Minute)
	rl.Allow("active")

	rl.cleanup()
	assert.Equal(t, 1, rl.Clients())

	rl.mu.Lock()
	_, kept := rl.perClient["active"]
	rl.mu.Unlock()
	assert.True(t, kept)
}

func TestRateLimiter_MaxClientsEvictsLeastRecent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &RateLimitConfig{GlobalRPS: 100, ClientRPS: 10, UnAuthRPS: 10, MaxClients: 2})

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time {
		now = now.Add(time.Second)

		return now
	}

	rl.Allow("first")
	rl.Allow("second")
	rl.Allow("third")

	assert.Equal(t, 2, rl.Clients())

	rl.mu.Lock()
	_, hasFirst := rl.perClient["first"]
	rl.mu.Unlock()
	assert.False(t, hasFirst)
}

func TestRateLimiter_CloseIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&RateLimitConfig{GlobalRPS: 1, ClientRPS: 1, UnAuthRPS: 1})
	require.NoError(t, rl.Close())
	require.NoError(t, rl.Close())
}

type stubLimiter struct {
	allow   bool
	clients []string
}

func (s *stubLimiter) Allow(clientID string) bool {
	s.clients = append(s.clients, clientID)

	return s.allow
}

func TestRateLimitMiddleware(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("allowed request reaches handler", func(t *testing.T) {
		limiter := &stubLimiter{allow: true}
		handler := RateLimit(limiter, discardLogger())(ok)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/studies", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{""}, limiter.clients)
	})

	t.Run("blocked request gets a problem", func(t *testing.T) {
		handler := Apply(ok, WithCorrelationID(), WithRateLimit(&stubLimiter{}, discardLogger()))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/studies", nil))

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))

		var body problem
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "https://medstore.io/problems/429", body.Type)
		assert.Equal(t, "Too Many Requests", body.Title)
		assert.Equal(t, "/studies", body.Instance)
		assert.Equal(t, rec.Header().Get(CorrelationIDHeader), body.CorrelationID)
	})

	t.Run("authenticated client ID is used", func(t *testing.T) {
		limiter := &stubLimiter{allow: true}
		handler := RateLimit(limiter, discardLogger())(ok)

		req := httptest.NewRequest(http.MethodPost, "/studies", nil)
		req = req.WithContext(SetClientContext(req.Context(), ClientContext{ClientID: testClient}))

		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, []string{testClient}, limiter.clients)
	})
}

func TestRateLimitConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := LoadRateLimitConfig()
		assert.True(t, cfg.Enabled)
		assert.Equal(t, defaultGlobalRPS, cfg.GlobalRPS)
		assert.Equal(t, defaultClientRPS, cfg.ClientRPS)
		assert.Equal(t, defaultUnAuthRPS, cfg.UnAuthRPS)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("MEDSTORE_RATE_LIMIT_ENABLED", "false")
		t.Setenv("MEDSTORE_RATE_LIMIT_CLIENT_RPS", "7")
		t.Setenv("MEDSTORE_RATE_LIMIT_IDLE_TIMEOUT", "10m")

		cfg := LoadRateLimitConfig()
		assert.False(t, cfg.Enabled)
		assert.Equal(t, 7, cfg.ClientRPS)
		assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	})

	t.Run("non-positive rate", func(t *testing.T) {
		cfg := LoadRateLimitConfig()
		cfg.UnAuthRPS = 0
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidRateLimit)
	})
}
