package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/medstore-io/medstore/internal/dicom"
	"github.com/medstore-io/medstore/internal/ingestion"
)

var (
	// ErrInvalidCleanupInterval is returned when an invalid cleanup interval is provided.
	ErrInvalidCleanupInterval = errors.New("cleanup interval must be greater than zero")

	// ErrDatabaseUnavailable wraps errors caused by a lost or refused database connection.
	ErrDatabaseUnavailable = errors.New("database unavailable")

	_ ingestion.InstanceIndex = (*InstanceStore)(nil)
)

const (
	// cleanupQueryTimeout is the maximum time allowed for a single cleanup run.
	cleanupQueryTimeout = 30 * time.Second
	// shutdownTimeout is the maximum time to wait for the cleanup goroutine to stop during Close().
	shutdownTimeout = 5 * time.Second
	// cleanupBatchSize bounds the rows deleted per statement to keep locks short.
	cleanupBatchSize = 1000
	// batchSleepDuration is the pause between cleanup batches.
	batchSleepDuration = 100 * time.Millisecond

	// uniqueViolation is the SQLSTATE for unique_violation.
	uniqueViolation = "23505"
)

type (
	// InstanceStore is the PostgreSQL InstanceIndex.
	//
	// Rows are inserted as 'pending' by BeginCreateInstance and flipped to 'created' by
	// EndCreateInstance. A background goroutine deletes pending rows older than the
	// pending TTL so that identifiers reserved by interrupted stores become usable again.
	InstanceStore struct {
		conn            *Connection
		logger          *slog.Logger
		cleanupInterval time.Duration
		pendingTTL      time.Duration
		cleanupStop     chan struct{}
		cleanupDone     chan struct{}
		closeOnce       sync.Once
		now             func() time.Time
	}

	// InstanceStoreOption configures optional InstanceStore behavior.
	InstanceStoreOption func(*InstanceStore)
)

// WithInstanceStoreLogger sets the logger used by the store and its cleanup goroutine.
func WithInstanceStoreLogger(logger *slog.Logger) InstanceStoreOption {
	return func(s *InstanceStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewInstanceStore creates a PostgreSQL-backed instance index and starts the pending-row
// cleanup goroutine. The goroutine stops on Close(); the connection is owned by the caller.
func NewInstanceStore(
	conn *Connection,
	cleanupInterval time.Duration,
	pendingTTL time.Duration,
	opts ...InstanceStoreOption,
) (*InstanceStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if cleanupInterval <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidCleanupInterval, cleanupInterval)
	}

	if pendingTTL <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidPendingTTL, pendingTTL)
	}

	store := &InstanceStore{
		conn:            conn,
		logger:          slog.Default(),
		cleanupInterval: cleanupInterval,
		pendingTTL:      pendingTTL,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	go store.runCleanup()

	store.logger.Info("Started pending instance cleanup goroutine",
		slog.Duration("interval", cleanupInterval),
		slog.Duration("pending_ttl", pendingTTL))

	return store, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
// It does not close the database connection.
func (s *InstanceStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.cleanupStop)

		select {
		case <-s.cleanupDone:
			s.logger.Info("Cleanup goroutine stopped gracefully")
		case <-time.After(shutdownTimeout):
			s.logger.Warn("Cleanup goroutine did not stop within timeout")
		}
	})

	return nil
}

// HealthCheck verifies the database connection is ready to serve requests.
func (s *InstanceStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// BeginCreateInstance inserts a pending row and its JSON metadata in one transaction.
// A unique violation on (study, series, sop) is reported as ingestion.ErrInstanceAlreadyExists.
func (s *InstanceStore) BeginCreateInstance(ctx context.Context, ds *dicom.Dataset) (int64, error) {
	if ds == nil {
		return 0, ingestion.ErrNilDataset
	}

	id := dicom.IdentifierOf(ds)

	metadata, err := ds.MarshalJSON()
	if err != nil {
		return 0, fmt.Errorf("failed to marshal instance metadata: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.wrapError("begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var watermark int64

	err = tx.QueryRowContext(ctx, `
		INSERT INTO instances (
			study_instance_uid, series_instance_uid, sop_instance_uid,
			sop_class_uid, patient_id, modality, status
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING watermark`,
		id.StudyInstanceUID,
		id.SeriesInstanceUID,
		id.SOPInstanceUID,
		ds.String(dicom.SOPClassUID),
		nullIfEmpty(ds.String(dicom.PatientID)),
		nullIfEmpty(ds.String(dicom.Modality)),
	).Scan(&watermark)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ingestion.ErrInstanceAlreadyExists, id)
		}

		return 0, s.wrapError("insert instance", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instance_metadata (watermark, metadata) VALUES ($1, $2)`,
		watermark, metadata)
	if err != nil {
		return 0, s.wrapError("insert instance metadata", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, s.wrapError("commit transaction", err)
	}

	return watermark, nil
}

// EndCreateInstance marks the pending row (id, watermark) as created.
func (s *InstanceStore) EndCreateInstance(ctx context.Context, id dicom.InstanceIdentifier, watermark int64) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE instances
		SET status = 'created', updated_at = NOW()
		WHERE study_instance_uid = $1
		  AND series_instance_uid = $2
		  AND sop_instance_uid = $3
		  AND watermark = $4
		  AND status = 'pending'`,
		id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID, watermark)
	if err != nil {
		return s.wrapError("update instance status", err)
	}

	return requireAffected(result, id, watermark)
}

// DeleteInstance removes the row (id, watermark); its metadata is removed by cascade.
func (s *InstanceStore) DeleteInstance(ctx context.Context, id dicom.InstanceIdentifier, watermark int64) error {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM instances
		WHERE study_instance_uid = $1
		  AND series_instance_uid = $2
		  AND sop_instance_uid = $3
		  AND watermark = $4`,
		id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID, watermark)
	if err != nil {
		return s.wrapError("delete instance", err)
	}

	return requireAffected(result, id, watermark)
}

func (s *InstanceStore) wrapError(op string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("Database connection error",
			slog.String("operation", op),
			slog.String("error", err.Error()))

		return fmt.Errorf("%w: %s: %w", ErrDatabaseUnavailable, op, err)
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}

func requireAffected(result sql.Result, id dicom.InstanceIdentifier, watermark int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s (watermark %d)", ingestion.ErrInstanceNotFound, id, watermark)
	}

	return nil
}

// runCleanup periodically deletes pending rows older than pendingTTL until Close().
func (s *InstanceStore) runCleanup() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.cleanupStop:
			cancel()
			s.logger.Info("Stopping pending instance cleanup goroutine")

			return
		case <-ticker.C:
			cleanupCtx, cleanupCancel := context.WithTimeout(ctx, cleanupQueryTimeout)
			_, _ = s.CleanupPendingInstances(cleanupCtx)
			cleanupCancel()
		}
	}
}

// CleanupPendingInstances deletes pending rows created before now-pendingTTL in batches
// and returns the number of rows removed.
func (s *InstanceStore) CleanupPendingInstances(ctx context.Context) (int64, error) {
	startTime := time.Now()
	cutoff := s.now().Add(-s.pendingTTL)
	totalDeleted := int64(0)
	batchCount := 0

	for {
		if ctx.Err() != nil {
			s.logger.Info("Cleanup cancelled",
				slog.Int64("rows_deleted", totalDeleted),
				slog.Int("batches_completed", batchCount),
				slog.Duration("duration", time.Since(startTime)))

			return totalDeleted, ctx.Err()
		}

		result, err := s.conn.ExecContext(ctx, `
			DELETE FROM instances
			WHERE watermark IN (
				SELECT watermark
				FROM instances
				WHERE status = 'pending' AND created_at < $1
				ORDER BY created_at ASC
				LIMIT $2
			)`, cutoff, cleanupBatchSize)
		if err != nil {
			s.logger.Error("Failed to cleanup pending instances",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted),
				slog.Int("batches_completed", batchCount),
				slog.String("status", "failed"))

			return totalDeleted, s.wrapError("cleanup pending instances", err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			s.logger.Warn("Cleanup succeeded but row count unavailable",
				slog.String("error", err.Error()),
				slog.String("status", "success"))

			return totalDeleted, nil
		}

		totalDeleted += deleted
		batchCount++

		if deleted < cleanupBatchSize {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(batchSleepDuration):
		}
	}

	if totalDeleted > 0 {
		s.logger.Info("Cleaned up pending instances",
			slog.Int64("rows_deleted", totalDeleted),
			slog.Int("batches", batchCount),
			slog.Duration("duration", time.Since(startTime)),
			slog.String("status", "success"))
	}

	return totalDeleted, nil
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
