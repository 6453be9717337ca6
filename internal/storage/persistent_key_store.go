package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

const (
	auditKeyCreated     = "created"
	auditKeyDeactivated = "deactivated"
)

var _ APIKeyStore = (*PersistentKeyStore)(nil)

// PersistentKeyStore is an APIKeyStore backed by the api_keys table.
//
// Like InMemoryKeyStore it compares the presented key against every active hash,
// which is fine for the tens of modality and gateway credentials a store serves.
// Keys are never physically removed; Deactivate keeps the row for the audit log.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// KeyStoreOption configures a PersistentKeyStore.
type KeyStoreOption func(*PersistentKeyStore)

// WithKeyStoreLogger sets the logger.
func WithKeyStoreLogger(logger *slog.Logger) KeyStoreOption {
	return func(s *PersistentKeyStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPersistentKeyStore creates a key store on conn. The connection is shared
// and stays open when the store is discarded.
func NewPersistentKeyStore(conn *Connection, opts ...KeyStoreOption) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	s := &PersistentKeyStore{
		conn:   conn,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// FindByKey returns the active key whose hash matches key. The returned key
// carries no hash.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, client_id, name, key_hash, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE active = TRUE
	`)
	if err != nil {
		s.logger.Error("Failed to query API keys", slog.String("error", err.Error()))

		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		apiKey, err := scanAPIKey(rows)
		if err != nil {
			s.logger.Warn("Skipping unreadable API key row", slog.String("error", err.Error()))

			continue
		}

		if CompareAPIKeyHash(apiKey.KeyHash, key) {
			apiKey.KeyHash = ""

			return apiKey, true
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("Failed to iterate API keys",
			slog.String("key", MaskKey(key)),
			slog.String("error", err.Error()),
		)
	}

	return nil, false
}

// Add inserts apiKey. KeyHash must hold a bcrypt hash; an empty ID is replaced by
// a random UUID and written back to apiKey.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if strings.TrimSpace(apiKey.ClientID) == "" || !strings.HasPrefix(apiKey.KeyHash, "$2") {
		return fmt.Errorf("%w: client ID and bcrypt hash are required", ErrInvalidKeySpec)
	}

	if apiKey.ID == "" {
		apiKey.ID = uuid.NewString()
	}

	permissions, err := json.Marshal(nonNilPermissions(apiKey.Permissions))
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, client_id, name, key_hash, permissions, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`,
		apiKey.ID,
		apiKey.ClientID,
		apiKey.Name,
		apiKey.KeyHash,
		permissions,
		apiKey.ExpiresAt,
		apiKey.Active,
	).Scan(&apiKey.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrKeyAlreadyExists, apiKey.ID)
		}

		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.audit(ctx, auditKeyCreated, apiKey.ID, apiKey.ClientID)

	return nil
}

// Deactivate disables the key with keyID.
func (s *PersistentKeyStore) Deactivate(ctx context.Context, keyID string) error {
	if _, err := uuid.Parse(keyID); err != nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	var clientID string

	err := s.conn.QueryRowContext(ctx, `
		UPDATE api_keys
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1 AND active = TRUE
		RETURNING client_id
	`, keyID).Scan(&clientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}

		return fmt.Errorf("failed to deactivate API key: %w", err)
	}

	s.audit(ctx, auditKeyDeactivated, keyID, clientID)

	return nil
}

// ListByClient returns the active keys of clientID, newest first, without hashes.
func (s *PersistentKeyStore) ListByClient(ctx context.Context, clientID string) ([]*APIKey, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, client_id, name, key_hash, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE client_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*APIKey{}

	for rows.Next() {
		apiKey, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}

		apiKey.KeyHash = ""
		keys = append(keys, apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return keys, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var (
		apiKey      APIKey
		permissions []byte
	)

	if err := row.Scan(
		&apiKey.ID,
		&apiKey.ClientID,
		&apiKey.Name,
		&apiKey.KeyHash,
		&permissions,
		&apiKey.CreatedAt,
		&apiKey.ExpiresAt,
		&apiKey.Active,
	); err != nil {
		return nil, fmt.Errorf("failed to scan API key: %w", err)
	}

	if err := json.Unmarshal(permissions, &apiKey.Permissions); err != nil {
		return nil, fmt.Errorf("failed to parse permissions of key %s: %w", apiKey.ID, err)
	}

	return &apiKey, nil
}

func nonNilPermissions(permissions []string) []string {
	if permissions == nil {
		return []string{}
	}

	return permissions
}

// audit records a key operation. Failures are logged and never fail the operation.
func (s *PersistentKeyStore) audit(ctx context.Context, operation, keyID, clientID string) {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO api_key_audit_log (api_key_id, client_id, operation)
		VALUES ($1, $2, $3)
	`, keyID, clientID, operation)
	if err != nil {
		s.logger.Error("Failed to write API key audit entry",
			slog.String("operation", operation),
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}
}
