package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/medstore-io/medstore/internal/config"
	"github.com/medstore-io/medstore/internal/ingestion"
)

const (
	defaultS3Region      = "us-east-1"
	blobContentType      = "application/dicom+json"
	defaultBlobBackend   = BlobBackendFileSystem
	defaultBlobDirectory = "./data/blobs"
)

// Blob backends selectable with MEDSTORE_BLOB_BACKEND.
const (
	BlobBackendFileSystem = "fs"
	BlobBackendS3         = "s3"
)

var (
	// ErrS3BucketEmpty is returned when the S3 backend is selected without a bucket.
	ErrS3BucketEmpty = errors.New("S3 bucket cannot be empty")

	// ErrUnknownBlobBackend is returned for an unsupported MEDSTORE_BLOB_BACKEND value.
	ErrUnknownBlobBackend = errors.New("unknown blob backend")

	_ ingestion.BlobStore = (*S3BlobStore)(nil)
)

type (
	// BlobConfig selects and configures the blob backend.
	BlobConfig struct {
		Backend   string
		Directory string
		S3        S3Config
	}

	// S3Config configures an S3-compatible object store. Endpoint is only needed for
	// MinIO and other non-AWS services; empty credentials fall back to the default chain.
	S3Config struct {
		Endpoint        string
		Region          string
		Bucket          string
		Prefix          string
		AccessKeyID     string
		SecretAccessKey string
	}

	// S3BlobStore stores blobs as objects in one bucket, optionally below a key prefix.
	S3BlobStore struct {
		client   *s3.Client
		uploader *manager.Uploader
		bucket   string
		prefix   string
		logger   *slog.Logger
	}
)

// LoadBlobConfig reads the blob backend settings from the environment.
func LoadBlobConfig() *BlobConfig {
	return &BlobConfig{
		Backend:   strings.ToLower(config.GetEnvStr("MEDSTORE_BLOB_BACKEND", defaultBlobBackend)),
		Directory: config.GetEnvStr("MEDSTORE_BLOB_DIR", defaultBlobDirectory),
		S3: S3Config{
			Endpoint:        config.GetEnvStr("MEDSTORE_S3_ENDPOINT", ""),
			Region:          config.GetEnvStr("MEDSTORE_S3_REGION", defaultS3Region),
			Bucket:          config.GetEnvStr("MEDSTORE_S3_BUCKET", ""),
			Prefix:          config.GetEnvStr("MEDSTORE_S3_PREFIX", ""),
			AccessKeyID:     config.GetEnvStr("MEDSTORE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: config.GetEnvStr("MEDSTORE_S3_SECRET_ACCESS_KEY", ""),
		},
	}
}

// Validate checks the settings of the selected backend.
func (c *BlobConfig) Validate() error {
	switch c.Backend {
	case BlobBackendFileSystem:
		if strings.TrimSpace(c.Directory) == "" {
			return fmt.Errorf("%w: blob directory is empty", ErrInvalidBlobKey)
		}

		return nil
	case BlobBackendS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return ErrS3BucketEmpty
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBlobBackend, c.Backend)
	}
}

// NewBlobStore builds the configured backend.
func NewBlobStore(ctx context.Context, cfg *BlobConfig, logger *slog.Logger) (ingestion.BlobStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Backend == BlobBackendS3 {
		return NewS3BlobStore(ctx, cfg.S3, logger)
	}

	return NewFileSystemBlobStore(cfg.Directory)
}

// NewS3BlobStore creates a client for cfg. Path-style addressing is always used so that
// MinIO endpoints work without bucket DNS.
func NewS3BlobStore(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, ErrS3BucketEmpty
	}

	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{}

	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}

	opts = append(opts, awsconfig.WithRegion(region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true

		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3BlobStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		logger:   logger,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *S3BlobStore) EnsureBucket(ctx context.Context) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var existErr *types.BucketAlreadyExists

		var ownedErr *types.BucketAlreadyOwnedByYou
		if errors.As(err, &existErr) || errors.As(err, &ownedErr) {
			return nil
		}

		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}

	s.logger.Info("Bucket created", slog.String("bucket", s.bucket))

	return nil
}

// Put uploads r to key.
func (s *S3BlobStore) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        r,
		ContentType: aws.String(blobContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}

	s.logger.Debug("Object uploaded", slog.String("bucket", s.bucket), slog.String("key", s.objectKey(key)))

	return nil
}

// Delete removes key. S3 deletes are idempotent, so the object is looked up first to
// report ingestion.ErrBlobNotFound for a missing key.
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	objectKey := s.objectKey(key)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w: %s", ingestion.ErrBlobNotFound, key)
		}

		return fmt.Errorf("failed to stat object s3://%s/%s: %w", s.bucket, objectKey, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object s3://%s/%s: %w", s.bucket, objectKey, err)
	}

	return nil
}

func (s *S3BlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}

	return path.Join(s.prefix, key)
}
