package storage

import (
	"context"
	"sync"
)

var _ APIKeyStore = (*InMemoryKeyStore)(nil)

// InMemoryKeyStore is a thread-safe APIKeyStore over a small set of hashed keys.
//
// FindByKey compares the presented key against every active hash, so its cost grows
// with the number of keys (one bcrypt comparison each). It is meant for the handful
// of client credentials configured through the environment.
type InMemoryKeyStore struct {
	// keysByID maps key IDs to keys
	keysByID map[string]*APIKey
	mutex    sync.RWMutex
}

// NewInMemoryKeyStore creates an empty key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keysByID: make(map[string]*APIKey),
	}
}

// FindByKey returns a copy of the active key whose hash matches key.
func (s *InMemoryKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, apiKey := range s.keysByID {
		if ctx.Err() != nil {
			return nil, false
		}

		if !apiKey.Active {
			continue
		}

		if CompareAPIKeyHash(apiKey.KeyHash, key) {
			keyCopy := *apiKey

			return &keyCopy, true
		}
	}

	return nil, false
}

// Add stores a copy of apiKey. IDs and hashes must be unique.
func (s *InMemoryKeyStore) Add(apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keysByID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	for _, existing := range s.keysByID {
		if existing.KeyHash == apiKey.KeyHash {
			return ErrKeyAlreadyExists
		}
	}

	keyCopy := *apiKey
	s.keysByID[keyCopy.ID] = &keyCopy

	return nil
}

// Delete removes the key with keyID.
func (s *InMemoryKeyStore) Delete(keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keysByID[keyID]; !exists {
		return ErrKeyNotFound
	}

	delete(s.keysByID, keyID)

	return nil
}

// Len returns the number of stored keys.
func (s *InMemoryKeyStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.keysByID)
}
