// Package ingestion implements the store-instances ingestion path.
//
// A batch of InstanceEntry values is pushed through retrieve, validate and store
// stages by the Pipeline. Every per-instance failure is classified into a stable
// FailureReasonCode and reported to a ResponseBuilder, and every entry is released
// exactly once.
//
// This package defines the interfaces it needs for persistence (InstanceIndex,
// BlobStore, ChangeFeedPublisher). Concrete implementations live in
// internal/storage and internal/changefeed.
package ingestion

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/medstore-io/medstore/internal/dicom"
)

var (
	// ErrInstanceAlreadyExists is returned by an InstanceIndex when an instance with the
	// same study, series and SOP instance UIDs is already stored or being stored.
	ErrInstanceAlreadyExists = errors.New("instance already exists")

	// ErrInstanceNotFound is returned when a pending or created instance row is missing.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrBlobNotFound is returned by a BlobStore when deleting or reading a missing key.
	ErrBlobNotFound = errors.New("blob not found")
)

// InstanceIndex tracks instance metadata and arbitrates uniqueness.
//
// Creation is two-phase: BeginCreateInstance reserves the identifier and returns a
// watermark, the caller uploads the blob, and EndCreateInstance marks the row created.
// Rows left pending (crashed uploads) are reclaimed by the implementation.
type InstanceIndex interface {
	// BeginCreateInstance reserves the instance. Returns ErrInstanceAlreadyExists when
	// the identifier is taken.
	BeginCreateInstance(ctx context.Context, ds *dicom.Dataset) (watermark int64, err error)

	// EndCreateInstance marks a pending instance as created.
	EndCreateInstance(ctx context.Context, id dicom.InstanceIdentifier, watermark int64) error

	// DeleteInstance removes the row for id with the given watermark.
	DeleteInstance(ctx context.Context, id dicom.InstanceIdentifier, watermark int64) error

	// HealthCheck verifies the index backend is ready to serve requests.
	HealthCheck(ctx context.Context) error
}

// BlobStore persists the raw instance payload.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Delete(ctx context.Context, key string) error
}

// ChangeAction is the kind of change recorded in the change feed.
type ChangeAction string

// ChangeActionCreate is the only action emitted by the ingestion path.
const ChangeActionCreate ChangeAction = "create"

// ChangeFeedEvent describes one committed change to the store.
type ChangeFeedEvent struct {
	ID                string       `json:"id"`
	Action            ChangeAction `json:"action"`
	StudyInstanceUID  string       `json:"studyInstanceUid"`
	SeriesInstanceUID string       `json:"seriesInstanceUid"`
	SOPInstanceUID    string       `json:"sopInstanceUid"`
	Watermark         int64        `json:"watermark"`
	Timestamp         time.Time    `json:"timestamp"`
}

// ChangeFeedPublisher emits change-feed events after an instance is committed.
type ChangeFeedPublisher interface {
	Publish(ctx context.Context, event ChangeFeedEvent) error
}
