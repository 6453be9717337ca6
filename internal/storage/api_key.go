package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medstore-io/medstore/internal/config"
)

const (
	// APIKeyPrefix starts every medstore API key.
	APIKeyPrefix = "medstore_ak_"

	// PermissionStoreInstances allows POST /studies.
	PermissionStoreInstances = "studies:write"

	randomBytesSize = 32
	apiKeyLength    = len(APIKeyPrefix) + 2*randomBytesSize // 76
	prefixLen       = len(APIKeyPrefix) + 4                 // "medstore_ak_1a2b"
	suffixLen       = 4

	apiKeySpecSeparator = "="
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
	// ErrInvalidKeySpec is returned for a malformed MEDSTORE_API_KEYS entry.
	ErrInvalidKeySpec = errors.New("invalid API key spec")
)

type (
	// APIKey is a client credential. Only the bcrypt hash of the key is held.
	APIKey struct {
		ID          string     `json:"id"`
		ClientID    string     `json:"clientId"`
		Name        string     `json:"name"`
		KeyHash     string     `json:"-"`
		Permissions []string   `json:"permissions"`
		CreatedAt   time.Time  `json:"createdAt"`
		ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
		Active      bool       `json:"active"`
	}

	// APIKeyStore looks up API keys for the authentication middleware.
	APIKeyStore interface {
		// FindByKey returns the key whose hash matches the plaintext key.
		FindByKey(ctx context.Context, key string) (*APIKey, bool)
	}
)

// HasPermission checks if the API key grants permission.
func (ak *APIKey) HasPermission(permission string) bool {
	return slices.Contains(ak.Permissions, permission)
}

// Expired reports whether the key has an expiry before now.
func (ak *APIKey) Expired(now time.Time) bool {
	return ak.ExpiresAt != nil && now.After(*ak.ExpiresAt)
}

// SecureCompare performs constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Keep the work proportional to len(a) even on a length mismatch.
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks an API key for logging, keeping only a short prefix and suffix
// of well-formed keys.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)
	if keyLen == apiKeyLength {
		return key[:prefixLen] + strings.Repeat("*", keyLen-prefixLen-suffixLen) + key[keyLen-suffixLen:]
	}

	return strings.Repeat("*", keyLen)
}

// GenerateAPIKey creates a new random API key.
func GenerateAPIKey() (string, error) {
	randomBytes := make([]byte, randomBytesSize)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey validates the shape of a presented key. A "Bearer " prefix is stripped.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, APIKeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	if _, err := hex.DecodeString(keyString[len(APIKeyPrefix):]); err != nil {
		return "", ErrInvalidKeyFormat
	}

	return keyString, nil
}

// ParseAPIKeySpec parses one "clientID=bcryptHash" entry of MEDSTORE_API_KEYS.
// Keys from the environment are active, never expire and may store instances.
func ParseAPIKeySpec(spec string) (*APIKey, error) {
	clientID, hash, found := strings.Cut(strings.TrimSpace(spec), apiKeySpecSeparator)
	clientID = strings.TrimSpace(clientID)
	hash = strings.TrimSpace(hash)

	if !found || clientID == "" || hash == "" {
		return nil, fmt.Errorf("%w: expected clientID=hash", ErrInvalidKeySpec)
	}

	if !strings.HasPrefix(hash, "$2") {
		return nil, fmt.Errorf("%w: %s: hash is not bcrypt", ErrInvalidKeySpec, clientID)
	}

	return &APIKey{
		ID:          uuid.NewString(),
		ClientID:    clientID,
		Name:        clientID,
		KeyHash:     hash,
		Permissions: []string{PermissionStoreInstances},
		CreatedAt:   time.Now(),
		Active:      true,
	}, nil
}

// LoadKeyStoreFromEnv builds an InMemoryKeyStore from MEDSTORE_API_KEYS.
// It returns (nil, nil) when the variable is unset, which disables authentication.
func LoadKeyStoreFromEnv() (*InMemoryKeyStore, error) {
	specs := config.GetEnvList("MEDSTORE_API_KEYS", nil)
	if len(specs) == 0 {
		return nil, nil //nolint:nilnil
	}

	store := NewInMemoryKeyStore()

	for _, spec := range specs {
		key, err := ParseAPIKeySpec(spec)
		if err != nil {
			return nil, err
		}

		if err := store.Add(key); err != nil {
			return nil, fmt.Errorf("failed to add key for %s: %w", key.ClientID, err)
		}
	}

	return store, nil
}
