package blob

import (
	"context"
	"fmt"
	"os"

	"catchcore/internal/infra/blob/fs"
	memorystore "catchcore/internal/infra/blob/memory"
	infraS3 "catchcore/internal/infra/blob/s3"
)

// Environment variables read by Open.
const (
	EnvDriver = "CATCHCORE_BLOB_DRIVER"
	EnvFSRoot = "CATCHCORE_BLOB_FS_ROOT"
)

// S3Config configures the S3 backend.
type S3Config = infraS3.Config

// Open selects a Store using environment variables.
//
//	CATCHCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	CATCHCORE_BLOB_FS_ROOT: directory when driver=fs (default ./artifacts)
//	CATCHCORE_BLOB_S3_*: bucket settings when driver=s3
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv(EnvDriver)
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv(EnvFSRoot))
	case DriverS3:
		s, err := infraS3.OpenFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewFilesystem returns a directory-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	s, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory returns a Store held in process memory.
func NewMemory() Store { return memorystore.New() }

// NewS3 returns a bucket-backed Store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	s, err := infraS3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}
