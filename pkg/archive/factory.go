package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names a pack storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv creates a pack store from environment variables.
//
// Common:
//   - WARDEN_ARCHIVE_BACKEND: "fs" (default), "s3", or "gcs"
//   - WARDEN_ARCHIVE_DIR: base directory for the filesystem backend
//
// For S3:
//   - WARDEN_ARCHIVE_S3_BUCKET (required)
//   - WARDEN_ARCHIVE_S3_REGION or AWS_REGION
//   - WARDEN_ARCHIVE_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - WARDEN_ARCHIVE_S3_PREFIX (optional)
//
// For GCS (build tag gcp):
//   - WARDEN_ARCHIVE_GCS_BUCKET (required)
//   - WARDEN_ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("WARDEN_ARCHIVE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		return newFileStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported backend: %s", backend)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dir := os.Getenv("WARDEN_ARCHIVE_DIR")
	if dir == "" {
		dir = filepath.Join("artifacts", "archive")
	}
	return NewFileStore(dir)
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("WARDEN_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: WARDEN_ARCHIVE_S3_BUCKET is required for the s3 backend")
	}

	region := os.Getenv("WARDEN_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("WARDEN_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("WARDEN_ARCHIVE_S3_PREFIX"),
	})
}
