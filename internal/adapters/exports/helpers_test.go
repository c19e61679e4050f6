package exports

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"catchcore/internal/core"
)

func ptr[T any](v T) *T { return &v }

var catchRef = core.CatchRef{Kind: core.CatchKindOperation, ID: "12"}

var fixedNow = time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC)

// seededService stores and denormalizes a three batch catch under catchRef.
func seededService(t *testing.T) *core.Service {
	t.Helper()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	root := core.SourceBatch{
		ID:     "catch",
		Label:  "CATCH_BATCH",
		Weight: ptr(100.0),
		Children: []core.SourceBatch{{
			ID:       "sp",
			ParentID: ptr("catch"),
			Label:    "SORTING_BATCH#1",
			Weight:   ptr(40.0),
			Children: []core.SourceBatch{{
				ID:                "sp.%",
				ParentID:          ptr("sp"),
				Label:             "SORTING_BATCH#1.%",
				SamplingRatioText: "1/4",
				IndividualCount:   ptr(12),
			}},
		}},
	}
	ctx := context.Background()
	if _, err := svc.ImportCatch(ctx, catchRef, root); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, _, err := svc.DenormalizeCatch(ctx, catchRef); err != nil {
		t.Fatalf("denormalize: %v", err)
	}
	return svc
}

// sequentialIDs makes worker ids predictable.
func sequentialIDs(w *Worker) {
	var n int64
	w.newID = func() string { return fmt.Sprintf("exp-%d", atomic.AddInt64(&n, 1)) }
}

func waitDone(t *testing.T, w *Worker, id string) Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		record, ok := w.GetExport(id)
		if !ok {
			t.Fatalf("export %s vanished", id)
		}
		if record.Done() {
			return record
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for export %s (status %s)", id, record.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
}

type recordingLogger struct {
	mu     sync.Mutex
	levels []string
}

func (l *recordingLogger) add(level string) {
	l.mu.Lock()
	l.levels = append(l.levels, level)
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(string, ...any) { l.add("debug") }
func (l *recordingLogger) Info(string, ...any)  { l.add("info") }
func (l *recordingLogger) Warn(string, ...any)  { l.add("warn") }
func (l *recordingLogger) Error(string, ...any) { l.add("error") }

func (l *recordingLogger) errors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, level := range l.levels {
		if level == "error" {
			n++
		}
	}
	return n
}

// drain stops w so audit and log calls made after the final transition land.
func drain(t *testing.T, w *Worker) {
	t.Helper()
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
