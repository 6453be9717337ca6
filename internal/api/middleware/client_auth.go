package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/medstore-io/medstore/internal/storage"
)

// APIKeyHeader is the primary header for API keys. Authorization: Bearer is
// accepted as a fallback.
const APIKeyHeader = "X-Api-Key"

var (
	publicEndpointsMu sync.RWMutex
	publicEndpoints   = map[string]bool{} //nolint: gochecknoglobals
)

// RegisterPublicEndpoint exempts an exact path from authentication. Only health
// probes belong here.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpointsMu.Lock()
	defer publicEndpointsMu.Unlock()

	publicEndpoints[endpoint] = true
}

func isPublicEndpoint(path string) bool {
	publicEndpointsMu.RLock()
	defer publicEndpointsMu.RUnlock()

	return publicEndpoints[path]
}

// Authentication failures.
var (
	ErrMissingAPIKey  = errors.New("missing API key")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrAPIKeyExpired  = errors.New("API key expired")
	ErrAPIKeyInactive = errors.New("API key inactive")
)

// AuthError is an authentication failure with a client-facing message.
type AuthError struct {
	Type    error
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Type
}

// StatusCode maps the failure to an HTTP status. Inactive keys are forbidden;
// everything else is unauthorized.
func (e *AuthError) StatusCode() int {
	if errors.Is(e.Type, ErrAPIKeyInactive) {
		return http.StatusForbidden
	}

	return http.StatusUnauthorized
}

// extractAPIKey reads X-Api-Key, then Authorization: Bearer. Values holding
// line breaks or only whitespace are rejected.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get(APIKeyHeader); apiKey != "" {
		return cleanAPIKey(apiKey)
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return cleanAPIKey(token)
	}

	return "", false
}

func cleanAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)

	return key, key != ""
}

// dummyHash is compared against on lookup misses so that unknown keys cost
// about as much as known ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("medstore-dummy-key"), bcrypt.DefaultCost) //nolint: gochecknoglobals

func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte("medstore-other-key"))
}

func authenticateRequest(
	ctx context.Context,
	store storage.APIKeyStore,
	apiKey string,
	now time.Time,
	logger *slog.Logger,
) (*storage.APIKey, error) {
	correlationID := GetCorrelationID(ctx)

	parsedKey, err := storage.ParseAPIKey(apiKey)
	if err != nil {
		performDummyBcryptComparison()

		logger.Warn("authentication failed: invalid key format",
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "format_validation"),
		)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	found, ok := store.FindByKey(ctx, parsedKey)
	if !ok {
		logger.Warn("authentication failed: key not found",
			slog.String("key", storage.MaskKey(parsedKey)),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "key_not_found"),
		)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	if !found.Active {
		logger.Warn("authentication failed: key inactive",
			slog.String("key_id", found.ID),
			slog.String("client_id", found.ClientID),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "key_inactive"),
		)

		return nil, &AuthError{Type: ErrAPIKeyInactive, Message: "API key is inactive"}
	}

	if found.Expired(now) {
		logger.Warn("authentication failed: key expired",
			slog.String("key_id", found.ID),
			slog.String("client_id", found.ClientID),
			slog.Time("expired_at", *found.ExpiresAt),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "key_expired"),
		)

		return nil, &AuthError{Type: ErrAPIKeyExpired, Message: "API key has expired"}
	}

	return found, nil
}

// AuthenticateClient rejects requests without a valid API key and attaches a
// ClientContext to the ones it accepts. Registered public endpoints and CORS
// preflight requests pass through untouched.
func AuthenticateClient(store storage.APIKeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

				return
			}

			authenticated, err := authenticateRequest(r.Context(), store, apiKey, authStart, logger)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			clientCtx := ClientContext{
				ClientID:    authenticated.ClientID,
				Name:        authenticated.Name,
				Permissions: authenticated.Permissions,
				KeyID:       authenticated.ID,
				AuthTime:    time.Now(),
			}

			logger.Debug("API key authenticated",
				slog.String("client_id", clientCtx.ClientID),
				slog.String("key_id", clientCtx.KeyID),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(SetClientContext(r.Context(), clientCtx)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	statusCode := http.StatusUnauthorized

	var authErr *AuthError
	if errors.As(err, &authErr) {
		statusCode = authErr.StatusCode()
	}

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", GetCorrelationID(r.Context())),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	if statusCode == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="medstore"`)
	}

	writeProblem(w, r, logger, statusCode, err.Error())
}
