package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/medstore-io/medstore/internal/ingestion"
)

const blobDirPerm = 0o750

var (
	// ErrInvalidBlobKey is returned for keys that are empty, absolute or escape the root.
	ErrInvalidBlobKey = errors.New("invalid blob key")

	_ ingestion.BlobStore = (*FileSystemBlobStore)(nil)
)

// FileSystemBlobStore stores blobs as files below a root directory.
// Writes go to a temporary file in the target directory and are renamed into place,
// so a reader never observes a partially written blob.
type FileSystemBlobStore struct {
	root string
}

// NewFileSystemBlobStore creates root if needed and returns a store rooted there.
func NewFileSystemBlobStore(root string) (*FileSystemBlobStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: root directory is empty", ErrInvalidBlobKey)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob root %s: %w", root, err)
	}

	if err := os.MkdirAll(abs, blobDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", abs, err)
	}

	return &FileSystemBlobStore{root: abs}, nil
}

// Put writes the contents of r under key, replacing any existing blob.
func (s *FileSystemBlobStore) Put(ctx context.Context, key string, r io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, blobDirPerm); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary blob file: %w", err)
	}

	tmpName := tmp.Name()

	_, copyErr := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	closeErr := tmp.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to commit blob %s: %w", key, err)
	}

	return nil
}

// Delete removes key. A missing blob returns ingestion.ErrBlobNotFound.
func (s *FileSystemBlobStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ingestion.ErrBlobNotFound, key)
	}

	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}

	return nil
}

func (s *FileSystemBlobStore) path(key string) (string, error) {
	if key == "" || filepath.IsAbs(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidBlobKey, key)
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))

	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidBlobKey, key)
	}

	return path, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context //nolint:containedctx
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
