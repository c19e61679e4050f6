package exports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"catchcore/internal/blob"
	"catchcore/internal/core"
)

func readArtifact(t *testing.T, store blob.Store, key string) []byte {
	t.Helper()
	_, rc, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return data
}

func TestWorkerExportsAllFormats(t *testing.T) {
	svc := seededService(t)
	store := blob.NewMemory()
	audit := &MemoryAuditLog{}
	worker := NewWorker(svc, store, audit, WithClock(core.ClockFunc(func() time.Time { return fixedNow })))
	sequentialIDs(worker)
	startWorker(t, worker)

	ctx := context.Background()
	queued, err := worker.EnqueueExport(ctx, Input{
		Catch:       catchRef,
		Formats:     []Format{"CSV", FormatXLSX, FormatJSON, FormatCSV},
		RequestedBy: "observer@catchcore",
		Reason:      "landing declaration",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if queued.Status != StatusQueued || len(queued.Formats) != 3 || queued.Formats[0] != FormatCSV {
		t.Fatalf("unexpected queued record %+v", queued)
	}

	done := waitDone(t, worker, queued.ID)
	drain(t, worker)
	if done.Status != StatusSucceeded || done.Error != "" || done.CompletedAt == nil || !done.CompletedAt.Equal(fixedNow) {
		t.Fatalf("unexpected final record %+v", done)
	}
	if len(done.Artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %+v", done.Artifacts)
	}
	for _, a := range done.Artifacts {
		want := "catches/operation/12/" + queued.ID + "." + a.Format.Extension()
		if a.Key != want || a.ContentType != a.Format.ContentType() || a.SizeBytes == 0 {
			t.Fatalf("unexpected artifact %+v", a)
		}
		if a.Metadata["catch"] != "operation/12" || a.Metadata["batches"] != "3" || a.Metadata["export"] != queued.ID {
			t.Fatalf("unexpected artifact metadata %+v", a.Metadata)
		}
	}

	csvData := string(readArtifact(t, store, done.Artifacts[0].Key))
	lines := strings.Split(strings.TrimSpace(csvData), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[0], "flat_rank_order,tree_level,tree_indent,id,") {
		t.Fatalf("unexpected csv %q", csvData)
	}
	if !strings.Contains(lines[3], "sp.%") || !strings.Contains(lines[3], ",48,") {
		t.Fatalf("sampling row missing elevated count: %q", lines[3])
	}

	book, err := excelize.OpenReader(bytes.NewReader(readArtifact(t, store, done.Artifacts[1].Key)))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer book.Close()
	rows, err := book.GetRows(SheetName)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 4 || rows[0][0] != "flat_rank_order" || rows[3][3] != "sp.%" || rows[1][2] != "-" {
		t.Fatalf("unexpected xlsx rows %v", rows)
	}

	var doc Document
	if err := json.Unmarshal(readArtifact(t, store, done.Artifacts[2].Key), &doc); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if doc.Catch != catchRef || len(doc.Batches) != 3 || doc.Batches[2].ElevateIndividualCount == nil || *doc.Batches[2].ElevateIndividualCount != 48 {
		t.Fatalf("unexpected json document %+v", doc)
	}

	entries := audit.Entries()
	statuses := make([]Status, 0, len(entries))
	for _, e := range entries {
		if e.Action != AuditAction || e.ExportID != queued.ID || e.Actor != "observer@catchcore" || e.Catch != catchRef {
			t.Fatalf("unexpected audit entry %+v", e)
		}
		statuses = append(statuses, e.Status)
	}
	want := []Status{StatusQueued, StatusRunning, StatusSucceeded}
	if len(statuses) != len(want) {
		t.Fatalf("unexpected audit statuses %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("unexpected audit statuses %v", statuses)
		}
	}

	if _, err := svc.DeleteCatch(ctx, catchRef); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if artifacts, _ := store.List(ctx, "catches/operation/12/"); len(artifacts) != 3 {
		t.Fatalf("artifacts must outlive the catch, got %d", len(artifacts))
	}
}

func TestWorkerSignsFilesystemArtifacts(t *testing.T) {
	store, err := blob.NewFilesystem(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	worker := NewWorker(seededService(t), store, nil)
	startWorker(t, worker)
	record, err := worker.EnqueueExport(context.Background(), Input{Catch: catchRef})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitDone(t, worker, record.ID)
	if done.Status != StatusSucceeded || len(done.Artifacts) != 1 || done.Artifacts[0].Format != FormatJSON {
		t.Fatalf("default format must be json: %+v", done)
	}
	if !strings.HasPrefix(done.Artifacts[0].URL, "http://local.artifacts/catches/operation/12/") {
		t.Fatalf("expected presigned local url, got %s", done.Artifacts[0].URL)
	}
}

func TestWorkerFailsWhenCatchNotDenormalized(t *testing.T) {
	svc := core.NewInMemoryService(nil)
	audit := &MemoryAuditLog{}
	logger := &recordingLogger{}
	worker := NewWorker(svc, blob.NewMemory(), audit, WithLogger(logger))
	startWorker(t, worker)

	record, err := worker.EnqueueExport(context.Background(), Input{Catch: catchRef, Formats: []Format{FormatCSV}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitDone(t, worker, record.ID)
	drain(t, worker)
	if done.Status != StatusFailed || !strings.Contains(done.Error, "not found") || len(done.Artifacts) != 0 {
		t.Fatalf("unexpected failed record %+v", done)
	}
	entries := audit.Entries()
	last := entries[len(entries)-1]
	if last.Status != StatusFailed || last.Metadata["error"] != done.Error {
		t.Fatalf("unexpected failure audit %+v", last)
	}
	if logger.errors() != 1 {
		t.Fatalf("expected one error log, got %d", logger.errors())
	}
}

type brokenStore struct{ blob.Store }

func (brokenStore) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, errors.New("bucket offline")
}

func TestWorkerFailsWhenStoreRejects(t *testing.T) {
	worker := NewWorker(seededService(t), brokenStore{blob.NewMemory()}, nil)
	startWorker(t, worker)
	record, err := worker.EnqueueExport(context.Background(), Input{Catch: catchRef, Formats: []Format{FormatXLSX}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitDone(t, worker, record.ID)
	if done.Status != StatusFailed || !strings.Contains(done.Error, "store xlsx artifact: bucket offline") {
		t.Fatalf("unexpected record %+v", done)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewWorker(nil, blob.NewMemory(), nil).EnqueueExport(ctx, Input{Catch: catchRef}); err == nil {
		t.Fatalf("expected unconfigured worker error")
	}
	worker := NewWorker(core.NewInMemoryService(nil), blob.NewMemory(), nil)
	if _, err := worker.EnqueueExport(ctx, Input{Catch: core.CatchRef{Kind: "trip", ID: "1"}}); err == nil {
		t.Fatalf("expected invalid catch error")
	}
	if _, err := worker.EnqueueExport(ctx, Input{Catch: catchRef, Formats: []Format{"parquet"}}); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	if _, ok := worker.GetExport("missing"); ok {
		t.Fatalf("unexpected export")
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	audit := &MemoryAuditLog{}
	worker := NewWorker(core.NewInMemoryService(nil), blob.NewMemory(), audit, WithQueueSize(1))
	sequentialIDs(worker)
	ctx := context.Background()
	if _, err := worker.EnqueueExport(ctx, Input{Catch: catchRef}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := worker.EnqueueExport(ctx, Input{Catch: catchRef}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	rejected, ok := worker.GetExport("exp-3")
	if !ok || rejected.Status != StatusFailed || rejected.Error != ErrQueueFull.Error() {
		t.Fatalf("rejected export must be recorded as failed: %+v %v", rejected, ok)
	}
	if n := len(audit.Entries()); n != 3 {
		t.Fatalf("expected queued, queued and failed audit entries, got %d", n)
	}
}

func TestListExportsAndCopies(t *testing.T) {
	worker := NewWorker(core.NewInMemoryService(nil), blob.NewMemory(), nil, WithClock(core.ClockFunc(func() time.Time { return fixedNow })))
	sequentialIDs(worker)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := worker.EnqueueExport(ctx, Input{Catch: catchRef}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	other := core.CatchRef{Kind: core.CatchKindSale, ID: "4"}
	if _, err := worker.EnqueueExport(ctx, Input{Catch: other}); err != nil {
		t.Fatalf("enqueue other: %v", err)
	}
	list := worker.ListExports(catchRef)
	if len(list) != 2 || list[0].ID != "exp-1" || list[1].ID != "exp-2" {
		t.Fatalf("unexpected list %+v", list)
	}
	list[0].Formats[0] = FormatXLSX
	if again, _ := worker.GetExport("exp-1"); again.Formats[0] != FormatJSON {
		t.Fatalf("listed records must be copies")
	}
}

func TestStopHonoursContext(t *testing.T) {
	worker := NewWorker(core.NewInMemoryService(nil), blob.NewMemory(), nil)
	worker.Start()
	if err := worker.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	stuck := NewWorker(core.NewInMemoryService(nil), blob.NewMemory(), nil)
	stuck.wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := stuck.Stop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	stuck.wg.Done()
}

func TestParseFormats(t *testing.T) {
	formats, err := ParseFormats(" csv, XLSX ,,csv")
	if err != nil || len(formats) != 2 || formats[0] != FormatCSV || formats[1] != FormatXLSX {
		t.Fatalf("unexpected formats %v %v", formats, err)
	}
	if formats, err := ParseFormats(""); err != nil || len(formats) != 1 || formats[0] != FormatJSON {
		t.Fatalf("empty list must default to json: %v %v", formats, err)
	}
	if _, err := ParseFormats("csv,pdf"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestArtifactKey(t *testing.T) {
	got := ArtifactKey(core.CatchRef{Kind: core.CatchKindSale, ID: "77"}, "abc", FormatXLSX)
	if got != "catches/sale/77/abc.xlsx" {
		t.Fatalf("unexpected key %s", got)
	}
}
