package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"catchcore/pkg/domain"
)

var opRef = domain.CatchRef{Kind: domain.CatchKindOperation, ID: "12"}

func ptr[T any](v T) *T { return &v }

func sampleRows() []domain.SourceBatch {
	return []domain.SourceBatch{
		{ID: "root", Label: "CATCH_BATCH", Weight: ptr(10.0)},
		{ID: "a", ParentID: ptr("root"), Label: "SORTING_BATCH#1"},
	}
}

func sampleTree(ids ...string) domain.DenormalizedTree {
	tree := domain.DenormalizedTree{}
	for i, id := range ids {
		b := domain.DenormalizedBatch{ID: id, FlatRankOrder: i + 1, TreeLevel: 1, Parent: -1}
		if i > 0 {
			b.ParentID = ptr(ids[0])
			b.Parent = 0
			b.TreeLevel = 2
			tree.Batches[0].Children = append(tree.Batches[0].Children, i)
		}
		tree.Batches = append(tree.Batches, b)
	}
	return tree
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.PutSourceBatches(opRef, sampleRows()); err != nil {
			return err
		}
		view := tx.Snapshot()
		if len(view.SourceBatches(opRef)) != 2 {
			t.Fatalf("snapshot mismatch")
		}
		_, err := tx.ReplaceDenormalized(opRef, sampleTree("root", "a"))
		return err
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if got := store.ListCatches(); len(got) != 1 || got[0] != opRef {
		t.Fatalf("unexpected catches %+v", got)
	}
	tree, ok := store.Denormalized(opRef)
	if !ok || tree.Len() != 2 {
		t.Fatalf("expected stored tree")
	}

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListCatches()) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	restored, ok := store.Denormalized(opRef)
	if !ok || len(restored.Children(0)) != 1 {
		t.Fatalf("expected restored tree with relinked children")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
}

func TestStoreReadsAreClones(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.PutSourceBatches(opRef, sampleRows())
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	rows := store.SourceBatches(opRef)
	*rows[0].Weight = 99
	if *store.SourceBatches(opRef)[0].Weight != 10 {
		t.Fatalf("store shares memory with callers")
	}
}

func TestReplaceDenormalizedReconcilesSet(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.ReplaceDenormalized(opRef, sampleTree("root", "a", "b"))
		return err
	}); err != nil {
		t.Fatalf("first replace: %v", err)
	}

	var summary domain.ReplaceSummary
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		summary, err = tx.ReplaceDenormalized(opRef, sampleTree("root", "b", "c"))
		return err
	}); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if !reflect.DeepEqual(summary.Inserted, []string{"c"}) ||
		!reflect.DeepEqual(summary.Updated, []string{"root", "b"}) ||
		!reflect.DeepEqual(summary.Deleted, []string{"a"}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	tree, _ := store.Denormalized(opRef)
	if _, ok := tree.Find("a"); ok {
		t.Fatalf("stale record a kept")
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.ReplaceDenormalized(opRef, domain.DenormalizedTree{})
		return err
	}); err != nil {
		t.Fatalf("empty replace: %v", err)
	}
	if _, ok := store.Denormalized(opRef); ok {
		t.Fatalf("empty replace should drop the list")
	}
}

func TestTransactionValidation(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.PutSourceBatches(domain.CatchRef{Kind: "trip", ID: "1"}, nil); err == nil {
			t.Fatalf("expected invalid ref error")
		}
		if err := tx.PutSourceBatches(opRef, []domain.SourceBatch{{ID: "x"}, {ID: "x"}}); err == nil {
			t.Fatalf("expected duplicate id error")
		}
		if _, err := tx.ReplaceDenormalized(opRef, sampleTree("x", "x")); err == nil {
			t.Fatalf("expected duplicate denormalized id error")
		}
		var notFound domain.ErrNotFound
		if err := tx.DeleteCatch(opRef); !errors.As(err, &notFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestDeleteCatchRecordsChanges(t *testing.T) {
	engine := domain.NewRulesEngine()
	rec := &recordingRule{}
	engine.Register(rec)
	store := NewStore(engine)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.PutSourceBatches(opRef, sampleRows()); err != nil {
			return err
		}
		_, err := tx.ReplaceDenormalized(opRef, sampleTree("root", "a"))
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteCatch(opRef)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(store.ListCatches()) != 0 {
		t.Fatalf("catch not deleted")
	}
	deletes := 0
	for _, c := range rec.last {
		if c.Action == domain.ActionDelete {
			deletes++
		}
	}
	if deletes != 3 {
		t.Fatalf("expected 3 delete changes, got %d", deletes)
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.PutSourceBatches(opRef, sampleRows())
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ListCatches()) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

func TestStoreFnErrorRollsBack(t *testing.T) {
	store := NewStore(nil)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.PutSourceBatches(opRef, sampleRows()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(store.SourceBatches(opRef)) != 0 {
		t.Fatalf("failed transaction must not commit")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	res.Merge(domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}})
	return res, nil
}

type recordingRule struct{ last []domain.Change }

func (*recordingRule) Name() string { return "recording" }

func (r *recordingRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	r.last = append([]domain.Change(nil), changes...)
	return domain.Result{}, nil
}
