package core

import (
	"context"
	"testing"

	"github.com/apex/log"
	apexmemory "github.com/apex/log/handlers/memory"
)

func TestNoopLogger(t *testing.T) {
	var logger noopLogger
	logger.Debug("noop", "k", "v")
	logger.Info("noop")
	logger.Warn("noop")
	logger.Error("noop")
}

func TestApexLoggerFields(t *testing.T) {
	handler := apexmemory.New()
	logger := NewApexLogger(&log.Logger{Handler: handler, Level: log.DebugLevel})

	logger.Debug("debug", "catch", "operation/1")
	logger.Info("info", "batches", 3)
	logger.Warn("warn", 7, "numeric key")
	logger.Error("error", "dangling")

	if len(handler.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(handler.Entries))
	}
	levels := []log.Level{log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel}
	for i, entry := range handler.Entries {
		if entry.Level != levels[i] {
			t.Fatalf("entry %d: level %v, want %v", i, entry.Level, levels[i])
		}
	}
	if handler.Entries[0].Fields.Get("catch") != "operation/1" {
		t.Fatalf("unexpected fields %+v", handler.Entries[0].Fields)
	}
	if handler.Entries[1].Fields.Get("batches") != 3 {
		t.Fatalf("unexpected fields %+v", handler.Entries[1].Fields)
	}
	if handler.Entries[2].Fields.Get("7") != "numeric key" {
		t.Fatalf("non string keys must be stringified, got %+v", handler.Entries[2].Fields)
	}
	if handler.Entries[3].Fields.Get("!BADKEY") != "dangling" {
		t.Fatalf("expected dangling key, got %+v", handler.Entries[3].Fields)
	}
}

func TestApexLoggerDrivesService(t *testing.T) {
	handler := apexmemory.New()
	logger := NewApexLogger(&log.Logger{Handler: handler, Level: log.InfoLevel})
	svc := NewInMemoryService(nil, WithLogger(logger))
	if _, err := svc.ImportCatch(context.Background(), opRef, sampleCatch()); err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(handler.Entries) != 1 || handler.Entries[0].Message != "operation completed" {
		t.Fatalf("unexpected entries %+v", handler.Entries)
	}
	if handler.Entries[0].Fields.Get("operation") != OpImportCatch {
		t.Fatalf("missing operation field %+v", handler.Entries[0].Fields)
	}
}

func TestNewApexLoggerDefaultsToPackageLogger(t *testing.T) {
	if l, ok := NewApexLogger(nil).(apexLogger); !ok || l.l == nil {
		t.Fatalf("expected package logger fallback")
	}
}
