package blob

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	infraS3 "catchcore/internal/infra/blob/s3"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	t.Setenv(EnvDriver, "")
	t.Setenv(EnvFSRoot, filepath.Join(t.TempDir(), "root"))
	store, err := Open(ctx)
	if err != nil || store.Driver() != DriverFilesystem {
		t.Fatalf("default driver: %v %v", store, err)
	}

	t.Setenv(EnvDriver, string(DriverMemory))
	store, err = Open(ctx)
	if err != nil || store.Driver() != DriverMemory {
		t.Fatalf("memory driver: %v %v", store, err)
	}
	if _, err := store.Put(ctx, "catches/operation/1/a.json", strings.NewReader("{}"), PutOptions{}); err != nil {
		t.Fatalf("memory put: %v", err)
	}
	if _, err := store.Put(ctx, "catches/operation/1/a.json", strings.NewReader("{}"), PutOptions{}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists through alias, got %v", err)
	}

	t.Setenv(EnvDriver, string(DriverS3))
	t.Setenv(infraS3.EnvBucket, "")
	if store, err := Open(ctx); err == nil || store != nil {
		t.Fatalf("expected s3 configuration error with nil store, got %v %v", store, err)
	}

	t.Setenv(EnvDriver, "gcs")
	if _, err := Open(ctx); err == nil || !strings.Contains(err.Error(), "unknown blob driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}

func TestConstructors(t *testing.T) {
	if _, err := NewS3(context.Background(), S3Config{}); err == nil {
		t.Fatalf("expected bucket required error")
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	s3, err := NewS3(context.Background(), S3Config{Bucket: "b", Endpoint: "https://mock.s3.local", PathStyle: true})
	if err != nil || s3.Driver() != DriverS3 {
		t.Fatalf("NewS3: %v %v", s3, err)
	}
	if _, err := NewFilesystem(filepath.Join(t.TempDir(), "fs")); err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	if NewMemory().Driver() != DriverMemory {
		t.Fatalf("NewMemory driver mismatch")
	}
}
