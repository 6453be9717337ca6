package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medstore-io/medstore/internal/dicom"
	"github.com/medstore-io/medstore/internal/ingestion"
)

var _ ingestion.InstanceIndex = (*InMemoryInstanceStore)(nil)

// InstanceStatus is the lifecycle state of an indexed instance.
type InstanceStatus string

// Instance statuses, matching the CHECK constraint of the instances table.
const (
	InstanceStatusPending InstanceStatus = "pending"
	InstanceStatusCreated InstanceStatus = "created"
)

// InstanceRecord is a snapshot of one indexed instance.
type InstanceRecord struct {
	Identifier  dicom.InstanceIdentifier
	Watermark   int64
	SOPClassUID string
	Status      InstanceStatus
	CreatedAt   time.Time
}

// InMemoryInstanceStore is a thread-safe InstanceIndex for development and tests.
//
// A pending reservation older than the pending TTL no longer blocks a new
// BeginCreateInstance for the same identifier; it is replaced in place.
type InMemoryInstanceStore struct {
	mutex         sync.RWMutex
	records       map[dicom.InstanceIdentifier]*InstanceRecord
	lastWatermark int64
	pendingTTL    time.Duration
	now           func() time.Time
}

// NewInMemoryInstanceStore creates an empty store. A non-positive pendingTTL uses the default.
func NewInMemoryInstanceStore(pendingTTL time.Duration) *InMemoryInstanceStore {
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}

	return &InMemoryInstanceStore{
		records:    make(map[dicom.InstanceIdentifier]*InstanceRecord),
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

// BeginCreateInstance reserves the identifier of ds with a new watermark.
func (s *InMemoryInstanceStore) BeginCreateInstance(_ context.Context, ds *dicom.Dataset) (int64, error) {
	if ds == nil {
		return 0, ingestion.ErrNilDataset
	}

	id := dicom.IdentifierOf(ds)
	now := s.now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.records[id]; ok {
		stale := existing.Status == InstanceStatusPending && now.Sub(existing.CreatedAt) > s.pendingTTL
		if !stale {
			return 0, fmt.Errorf("%w: %s", ingestion.ErrInstanceAlreadyExists, id)
		}
	}

	s.lastWatermark++

	s.records[id] = &InstanceRecord{
		Identifier:  id,
		Watermark:   s.lastWatermark,
		SOPClassUID: ds.String(dicom.SOPClassUID),
		Status:      InstanceStatusPending,
		CreatedAt:   now,
	}

	return s.lastWatermark, nil
}

// EndCreateInstance marks the pending reservation (id, watermark) as created.
func (s *InMemoryInstanceStore) EndCreateInstance(_ context.Context, id dicom.InstanceIdentifier, watermark int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, ok := s.records[id]
	if !ok || record.Watermark != watermark || record.Status != InstanceStatusPending {
		return fmt.Errorf("%w: %s (watermark %d)", ingestion.ErrInstanceNotFound, id, watermark)
	}

	record.Status = InstanceStatusCreated

	return nil
}

// DeleteInstance removes (id, watermark) in any status.
func (s *InMemoryInstanceStore) DeleteInstance(_ context.Context, id dicom.InstanceIdentifier, watermark int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, ok := s.records[id]
	if !ok || record.Watermark != watermark {
		return fmt.Errorf("%w: %s (watermark %d)", ingestion.ErrInstanceNotFound, id, watermark)
	}

	delete(s.records, id)

	return nil
}

// HealthCheck always succeeds.
func (s *InMemoryInstanceStore) HealthCheck(context.Context) error {
	return nil
}

// Lookup returns a copy of the record for id.
func (s *InMemoryInstanceStore) Lookup(id dicom.InstanceIdentifier) (InstanceRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return InstanceRecord{}, false
	}

	return *record, true
}

// Len returns the number of indexed instances in any status.
func (s *InMemoryInstanceStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.records)
}
