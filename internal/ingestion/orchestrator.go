package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/medstore-io/medstore/internal/dicom"
)

const defaultCleanupTimeout = 30 * time.Second

// InstanceStorer durably persists an entry. A duplicate instance is reported with
// an error wrapping ErrInstanceAlreadyExists.
type InstanceStorer interface {
	StoreDicomInstanceEntry(ctx context.Context, entry InstanceEntry) error
}

// StoreOrchestrator coordinates the index, the blob store and the change feed.
type StoreOrchestrator struct {
	index          InstanceIndex
	blobs          BlobStore
	feed           ChangeFeedPublisher
	logger         *slog.Logger
	cleanupTimeout time.Duration
	now            func() time.Time
}

// OrchestratorOption configures a StoreOrchestrator.
type OrchestratorOption func(*StoreOrchestrator)

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *StoreOrchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCleanupTimeout bounds rollback after a failed store.
func WithCleanupTimeout(d time.Duration) OrchestratorOption {
	return func(o *StoreOrchestrator) {
		if d > 0 {
			o.cleanupTimeout = d
		}
	}
}

// NewStoreOrchestrator creates an orchestrator. feed may be nil.
func NewStoreOrchestrator(
	index InstanceIndex,
	blobs BlobStore,
	feed ChangeFeedPublisher,
	opts ...OrchestratorOption,
) *StoreOrchestrator {
	o := &StoreOrchestrator{
		index:          index,
		blobs:          blobs,
		feed:           feed,
		logger:         slog.Default(),
		cleanupTimeout: defaultCleanupTimeout,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// BlobKey returns the object key for an instance version.
func BlobKey(id dicom.InstanceIdentifier, watermark int64) string {
	return fmt.Sprintf("%s/%s/%s_%d.json", id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID, watermark)
}

// StoreDicomInstanceEntry reserves the instance in the index, uploads its payload and
// commits it. Any failure after the reservation rolls back both the blob and the row.
func (o *StoreOrchestrator) StoreDicomInstanceEntry(ctx context.Context, entry InstanceEntry) error {
	ds, err := entry.GetDataset(ctx)
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}

	if ds == nil {
		return ErrNilDataset
	}

	id := dicom.IdentifierOf(ds)

	watermark, err := o.index.BeginCreateInstance(ctx, ds)
	if err != nil {
		return fmt.Errorf("failed to reserve instance: %w", err)
	}

	key := BlobKey(id, watermark)

	if err := o.upload(ctx, entry, key); err != nil {
		o.rollback(ctx, id, watermark, key)

		return err
	}

	if err := o.index.EndCreateInstance(ctx, id, watermark); err != nil {
		o.rollback(ctx, id, watermark, key)

		return fmt.Errorf("failed to commit instance: %w", err)
	}

	o.publish(ctx, id, watermark)

	return nil
}

func (o *StoreOrchestrator) upload(ctx context.Context, entry InstanceEntry, key string) error {
	stream, err := entry.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open instance stream: %w", err)
	}
	defer stream.Close()

	if err := o.blobs.Put(ctx, key, stream); err != nil {
		return fmt.Errorf("failed to upload instance: %w", err)
	}

	return nil
}

// rollback runs on a context detached from the request so a cancelled batch still
// cleans up after itself.
func (o *StoreOrchestrator) rollback(ctx context.Context, id dicom.InstanceIdentifier, watermark int64, key string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()

	if err := o.blobs.Delete(cleanupCtx, key); err != nil && !errors.Is(err, ErrBlobNotFound) {
		o.logger.Warn("Failed to delete blob during rollback",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}

	if err := o.index.DeleteInstance(cleanupCtx, id, watermark); err != nil && !errors.Is(err, ErrInstanceNotFound) {
		o.logger.Warn("Failed to delete pending instance during rollback",
			slog.String("sop_instance_uid", id.SOPInstanceUID),
			slog.Int64("watermark", watermark),
			slog.String("error", err.Error()))
	}
}

// publish is best effort: the instance is already committed.
func (o *StoreOrchestrator) publish(ctx context.Context, id dicom.InstanceIdentifier, watermark int64) {
	if o.feed == nil {
		return
	}

	event := ChangeFeedEvent{
		ID:                uuid.NewString(),
		Action:            ChangeActionCreate,
		StudyInstanceUID:  id.StudyInstanceUID,
		SeriesInstanceUID: id.SeriesInstanceUID,
		SOPInstanceUID:    id.SOPInstanceUID,
		Watermark:         watermark,
		Timestamp:         o.now().UTC(),
	}

	if err := o.feed.Publish(ctx, event); err != nil {
		o.logger.Warn("Failed to publish change feed event",
			slog.String("sop_instance_uid", id.SOPInstanceUID),
			slog.Int64("watermark", watermark),
			slog.String("error", err.Error()))
	}
}
