package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost of 10 is roughly 60ms per hash.
	bcryptCost = 10
	// bcryptLimit is the maximum input length bcrypt accepts.
	bcryptLimit = 72
)

// HashAPIKey returns the bcrypt hash to configure in MEDSTORE_API_KEYS.
// Each call uses a fresh salt, so identical keys produce different hashes.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash reports whether apiKey matches hash. Any error, including
// an empty input or a malformed hash, yields false.
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}

// bcryptInput pre-hashes keys longer than bcrypt's 72-byte limit with SHA-256.
// medstore keys are 76 bytes, so this path is the normal one.
func bcryptInput(apiKey string) []byte {
	if len(apiKey) <= bcryptLimit {
		return []byte(apiKey)
	}

	sum := sha256.Sum256([]byte(apiKey))

	return sum[:]
}
