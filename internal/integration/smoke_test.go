package integration

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"catchcore/internal/adapters/exports"
	"catchcore/internal/blob"
	core "catchcore/internal/core"
	domain "catchcore/pkg/domain"
)

func ptr[T any](v T) *T { return &v }

func haul() domain.SourceBatch {
	return domain.SourceBatch{
		ID:     "catch",
		Label:  "CATCH_BATCH",
		Weight: ptr(250.0),
		Children: []domain.SourceBatch{
			{
				ID:       "lan",
				ParentID: ptr("catch"),
				Label:    "SORTING_BATCH#1",
				Weight:   ptr(200.0),
				Children: []domain.SourceBatch{{
					ID:                "lan.%",
					ParentID:          ptr("lan"),
					Label:             "SORTING_BATCH#1.%",
					SamplingRatioText: "20/200",
					IndividualCount:   ptr(30),
				}},
			},
			{ID: "dis", ParentID: ptr("catch"), Label: "SORTING_BATCH#2", Weight: ptr(50.0)},
		},
	}
}

// TestIntegrationSmoke imports, denormalizes and exports one catch against
// every in-process storage and blob backend.
func TestIntegrationSmoke(t *testing.T) {
	ctx := context.Background()
	ref := domain.CatchRef{Kind: domain.CatchKindOperation, ID: "2024-17"}

	storeVariants := []struct {
		name   string
		driver core.StorageDriver
	}{
		{name: "memory-store", driver: core.StorageMemory},
		{name: "sqlite-store", driver: core.StorageSQLite},
	}
	blobVariants := []struct {
		name string
		open func(t *testing.T) blob.Store
	}{
		{name: "memory-blob", open: func(*testing.T) blob.Store { return blob.NewMemory() }},
		{name: "filesystem-blob", open: func(t *testing.T) blob.Store {
			s, err := blob.NewFilesystem(t.TempDir())
			if err != nil {
				t.Fatalf("new filesystem blob: %v", err)
			}
			return s
		}},
	}

	for _, sv := range storeVariants {
		for _, bv := range blobVariants {
			t.Run(sv.name+"/"+bv.name, func(t *testing.T) {
				t.Setenv(core.EnvStorageDriver, string(sv.driver))
				t.Setenv(core.EnvSQLitePath, filepath.Join(t.TempDir(), "catchcore.db"))
				store, err := core.OpenPersistentStore(core.NewDefaultRulesEngine())
				if err != nil {
					t.Fatalf("open store: %v", err)
				}
				metrics := core.NewExpvarMetricsRecorder("")
				var traces bytes.Buffer
				tracer := core.NewJSONTracer(&traces)
				svc := core.NewService(store, core.WithMetricsRecorder(metrics), core.WithTracer(tracer))

				if res, err := svc.ImportCatch(ctx, ref, haul()); err != nil || res.HasBlocking() {
					t.Fatalf("import: %v %+v", err, res.Violations)
				}
				tree, res, err := svc.DenormalizeCatch(ctx, ref)
				if err != nil || res.HasBlocking() {
					t.Fatalf("denormalize: %v %+v", err, res.Violations)
				}
				i, ok := tree.Find("lan.%")
				if !ok || tree.Batches[i].ElevateIndividualCount == nil || *tree.Batches[i].ElevateIndividualCount != 300 {
					t.Fatalf("expected sample count elevated to 300, got %+v", tree.Batches)
				}

				artifacts := bv.open(t)
				worker := exports.NewWorker(svc, artifacts, nil)
				worker.Start()
				t.Cleanup(func() { _ = worker.Stop(context.Background()) })
				record, err := worker.EnqueueExport(ctx, exports.Input{Catch: ref, Formats: []exports.Format{exports.FormatCSV}})
				if err != nil {
					t.Fatalf("enqueue export: %v", err)
				}
				deadline := time.Now().Add(5 * time.Second)
				for !record.Done() {
					if time.Now().After(deadline) {
						t.Fatalf("export did not finish: %+v", record)
					}
					time.Sleep(10 * time.Millisecond)
					record, _ = worker.GetExport(record.ID)
				}
				if record.Status != exports.StatusSucceeded || len(record.Artifacts) != 1 {
					t.Fatalf("unexpected export %+v", record)
				}
				_, rc, err := artifacts.Get(ctx, record.Artifacts[0].Key)
				if err != nil {
					t.Fatalf("get artifact: %v", err)
				}
				data, err := io.ReadAll(rc)
				_ = rc.Close()
				if err != nil {
					t.Fatalf("read artifact: %v", err)
				}
				if rows := strings.Count(string(data), "\n"); rows != 5 {
					t.Fatalf("expected header and 4 rows, got %d:\n%s", rows, data)
				}

				snapshot := metrics.Snapshot()
				if snapshot.Results[core.OpDenormalizeCatch]["success"] == 0 || snapshot.Results[core.OpDenormalizedBatches]["success"] == 0 {
					t.Fatalf("expected service metrics, got %+v", snapshot.Results)
				}
				var traced bool
				for _, entry := range tracer.Entries() {
					if entry.Operation == core.OpImportCatch && entry.Status == "success" {
						traced = true
						break
					}
				}
				if !traced || traces.Len() == 0 {
					t.Fatalf("expected import span, entries=%+v", tracer.Entries())
				}
			})
		}
	}
}
