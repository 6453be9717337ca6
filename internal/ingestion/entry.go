package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/medstore-io/medstore/internal/dicom"
)

var (
	// ErrEntryReleased is returned when an entry is used after Release.
	ErrEntryReleased = errors.New("instance entry already released")

	// ErrEntryTooLarge is returned when a part exceeds the configured size limit.
	ErrEntryTooLarge = errors.New("instance entry exceeds size limit")

	// ErrBufferEntry is returned when the buffer file cannot be created or flushed.
	ErrBufferEntry = errors.New("failed to buffer instance entry")
)

// InstanceEntry is a pending, resource-owning handle to one instance.
//
// GetDataset may fail; content that cannot be parsed is reported with an error
// wrapping dicom.ErrMalformedContent. Release must be safe to call once even when
// GetDataset failed or was never called.
type InstanceEntry interface {
	GetDataset(ctx context.Context) (*dicom.Dataset, error)
	OpenStream(ctx context.Context) (io.ReadCloser, error)
	Release() error
}

// FileEntry buffers one request part to a temporary file.
// The dataset is parsed on first use and cached.
type FileEntry struct {
	path string

	mu       sync.Mutex
	dataset  *dicom.Dataset
	parseErr error
	parsed   bool
	released bool

	releaseOnce sync.Once
	releaseErr  error
}

// NewFileEntry copies r into a new file under dir. A maxBytes of zero or less
// disables the size limit. On error no file is left behind.
func NewFileEntry(dir string, r io.Reader, maxBytes int64) (*FileEntry, error) {
	f, err := os.CreateTemp(dir, "medstore-"+uuid.NewString()+"-*.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBufferEntry, err)
	}

	src := r
	if maxBytes > 0 && maxBytes < math.MaxInt64 {
		src = io.LimitReader(r, maxBytes+1)
	}

	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(f.Name())

		return nil, fmt.Errorf("failed to buffer instance: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(f.Name())

		return nil, fmt.Errorf("%w: %w", ErrBufferEntry, closeErr)
	case maxBytes > 0 && n > maxBytes:
		_ = os.Remove(f.Name())

		return nil, fmt.Errorf("%w: limit %d bytes", ErrEntryTooLarge, maxBytes)
	}

	return &FileEntry{path: f.Name()}, nil
}

// Path returns the location of the buffer file.
func (e *FileEntry) Path() string {
	return e.path
}

// GetDataset parses the buffered part. The result, including a parse error, is cached.
func (e *FileEntry) GetDataset(ctx context.Context) (*dicom.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return nil, ErrEntryReleased
	}

	if e.parsed {
		return e.dataset, e.parseErr
	}

	f, err := os.Open(e.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer file: %w", err)
	}
	defer f.Close()

	e.dataset, e.parseErr = dicom.DecodeDataset(f)
	e.parsed = true

	return e.dataset, e.parseErr
}

// OpenStream returns a reader over the raw buffered bytes.
func (e *FileEntry) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return nil, ErrEntryReleased
	}

	f, err := os.Open(e.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer file: %w", err)
	}

	return f, nil
}

// Release removes the buffer file. Subsequent calls return the first result.
func (e *FileEntry) Release() error {
	e.releaseOnce.Do(func() {
		e.mu.Lock()
		e.released = true
		e.dataset = nil
		e.mu.Unlock()

		if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.releaseErr = fmt.Errorf("failed to remove buffer file: %w", err)
		}
	})

	return e.releaseErr
}
