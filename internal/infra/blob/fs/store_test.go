package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"catchcore/internal/blob/core"
)

const artifactKey = "catches/operation/1/exp-1.json"

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return store
}

func TestStoreArtifactLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	opts := core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"catch": "operation/1"}}
	info, err := store.Put(ctx, artifactKey, strings.NewReader(`{"batches":[]}`), opts)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != artifactKey || info.Size != 14 || info.ETag == "" || !info.LastModified.Equal(store.now()) {
		t.Fatalf("unexpected info %+v", info)
	}
	if !strings.HasSuffix(info.URL, "/"+artifactKey) {
		t.Fatalf("unexpected url %s", info.URL)
	}
	if _, err := store.Put(ctx, artifactKey, strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	head, err := store.Head(ctx, artifactKey)
	if err != nil || head.ETag != info.ETag || head.Metadata["catch"] != "operation/1" {
		t.Fatalf("head: %+v %v", head, err)
	}
	got, rc, err := store.Get(ctx, artifactKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"batches":[]}` || got.ContentType != "application/json" {
		t.Fatalf("unexpected artifact %q %+v", body, got)
	}

	if _, err := store.Put(ctx, "catches/sale/2/exp-2.csv", strings.NewReader("a,b\n"), core.PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}
	list, err := store.List(ctx, "catches/operation/")
	if err != nil || len(list) != 1 || list[0].Key != artifactKey {
		t.Fatalf("list: %+v %v", list, err)
	}
	all, err := store.List(ctx, "")
	if err != nil || len(all) != 2 || all[0].Key != artifactKey {
		t.Fatalf("list all: %+v %v", all, err)
	}

	ok, err := store.Delete(ctx, artifactKey)
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, artifactKey); err != nil || ok {
		t.Fatalf("second delete should report false: %v %v", ok, err)
	}
	if _, err := store.Head(ctx, artifactKey); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"../escape.json", "/abs.json", "", "a/b.meta"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
			t.Fatalf("put %q: expected ErrInvalidKey, got %v", key, err)
		}
		if _, _, err := store.Get(ctx, key); !errors.Is(err, core.ErrInvalidKey) {
			t.Fatalf("get %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(store.Root()), "escape.json")); err == nil {
		t.Fatalf("artifact escaped the root")
	}
}

func TestStoreSidecarOnDisk(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, artifactKey, bytes.NewReader([]byte("abc")), core.PutOptions{ContentType: "text/csv"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, dataPath, metaPath, err := store.paths(artifactKey)
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	if _, err := os.Stat(dataPath); err != nil {
		t.Fatalf("expected data file: %v", err)
	}
	raw, err := os.ReadFile(metaPath)
	if err != nil || !bytes.Contains(raw, []byte("text/csv")) {
		t.Fatalf("sidecar missing content type: %s %v", raw, err)
	}

	if err := os.WriteFile(metaPath, []byte("{"), 0o600); err != nil {
		t.Fatalf("corrupt sidecar: %v", err)
	}
	if _, err := store.Head(ctx, artifactKey); err == nil || errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if _, err := store.List(ctx, ""); err == nil {
		t.Fatalf("expected list to surface corrupt sidecar")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStorePutFailures(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Put(context.Background(), artifactKey, failingReader{}, core.PutOptions{}); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected reader error, got %v", err)
	}
	if _, err := store.Head(context.Background(), artifactKey); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("failed put must not leave an artifact")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, artifactKey, strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestStorePresignAndDefaults(t *testing.T) {
	store := newTempStore(t)
	ctx := context.Background()
	if url, err := store.PresignURL(ctx, artifactKey, core.SignedURLOptions{}); err != nil || url != "http://local.artifacts/"+artifactKey {
		t.Fatalf("presign: %s %v", url, err)
	}
	if _, err := store.PresignURL(ctx, artifactKey, core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if _, err := store.PresignURL(ctx, "../x", core.SignedURLOptions{}); !errors.Is(err, core.ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	if store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected driver %s", store.Driver())
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	def, err := New("")
	if err != nil || def.Root() != DefaultRoot {
		t.Fatalf("default root: %v %v", def, err)
	}
}
