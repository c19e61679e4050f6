package denormalize

import (
	"errors"
	"strings"
	"testing"

	"catchcore/pkg/domain"
)

func row(id, parent string, rank int) domain.SourceBatch {
	b := domain.SourceBatch{ID: id, Label: strings.ToUpper(id)}
	if parent != "" {
		b.ParentID = ptr(parent)
	}
	if rank > 0 {
		b.RankOrder = ptr(rank)
	}
	return b
}

func childIDs(b domain.SourceBatch) []string {
	ids := make([]string, 0, len(b.Children))
	for _, c := range b.Children {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestAssembleTreeNestsRowsByRankOrder(t *testing.T) {
	rows := []domain.SourceBatch{
		row("b", "root", 2),
		row("root", "", 0),
		row("a", "root", 1),
		row("a2", "a", 0),
		row("a1", "a", 0),
	}
	root, warnings, err := AssembleTree(rows)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings %+v", warnings)
	}
	if root.ID != "root" || root.Count() != 5 {
		t.Fatalf("unexpected root %s with %d batches", root.ID, root.Count())
	}
	if got := strings.Join(childIDs(root), ","); got != "a,b" {
		t.Fatalf("root children %s, want a,b", got)
	}
	if got := strings.Join(childIDs(root.Children[0]), ","); got != "a2,a1" {
		t.Fatalf("unranked siblings must keep row order, got %s", got)
	}
	if rows[0].Children != nil {
		t.Fatalf("input rows mutated")
	}
}

func TestAssembleTreeMixedRankOrderKeepsRowOrder(t *testing.T) {
	rows := []domain.SourceBatch{row("root", "", 0), row("x", "root", 3), row("y", "root", 0), row("z", "root", 1)}
	root, _, err := AssembleTree(rows)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got := strings.Join(childIDs(root), ","); got != "x,y,z" {
		t.Fatalf("children %s, want x,y,z", got)
	}
}

func TestAssembleTreeWarnings(t *testing.T) {
	rows := []domain.SourceBatch{
		row("root", "", 0),
		row("a", "root", 0),
		row("second", "", 0),
		row("second1", "second", 0),
		row("orphan", "missing", 0),
		row("c1", "c2", 0),
		row("c2", "c1", 0),
	}
	root, warnings, err := AssembleTree(rows)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if root.ID != "root" || root.Count() != 2 {
		t.Fatalf("unexpected root %s with %d batches", root.ID, root.Count())
	}
	codes := make(map[string]domain.WarningCode)
	for _, w := range warnings {
		codes[w.BatchID] = w.Code
	}
	want := map[string]domain.WarningCode{
		"second": domain.WarningAmbiguousRoot,
		"orphan": domain.WarningOrphanBatch,
		"c1":     domain.WarningCycle,
		"c2":     domain.WarningCycle,
	}
	if len(codes) != len(want) {
		t.Fatalf("unexpected warnings %+v", warnings)
	}
	for id, code := range want {
		if codes[id] != code {
			t.Fatalf("batch %s warning %q, want %q", id, codes[id], code)
		}
	}
	if !strings.Contains(warnings[0].Message, "ignoring 2 batches") {
		t.Fatalf("unexpected ambiguous root message %q", warnings[0].Message)
	}
}

func TestAssembleTreeErrors(t *testing.T) {
	if _, _, err := AssembleTree(nil); !errors.Is(err, ErrNoRootBatch) {
		t.Fatalf("expected no root error, got %v", err)
	}
	if _, _, err := AssembleTree([]domain.SourceBatch{row("a", "b", 0), row("b", "a", 0)}); !errors.Is(err, ErrNoRootBatch) {
		t.Fatalf("expected no root error, got %v", err)
	}
	if _, _, err := AssembleTree([]domain.SourceBatch{row("a", "", 0), row("a", "", 0)}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestAssembleTreeRoundTripsFlatten(t *testing.T) {
	src := shapeTree()
	root, warnings, err := AssembleTree(src.Flatten())
	if err != nil || len(warnings) != 0 {
		t.Fatalf("assemble: %v %+v", err, warnings)
	}
	want := mustDenormalize(t, src, testConfig())
	got := mustDenormalize(t, root, testConfig())
	if want.Len() != got.Len() {
		t.Fatalf("batch count changed: %d vs %d", want.Len(), got.Len())
	}
	for i := range want.Batches {
		if want.Batches[i].ID != got.Batches[i].ID || want.Batches[i].TreeIndent != got.Batches[i].TreeIndent {
			t.Fatalf("position %d: %s %q vs %s %q", i, want.Batches[i].ID, want.Batches[i].TreeIndent, got.Batches[i].ID, got.Batches[i].TreeIndent)
		}
	}
}
