package domain

import "context"

// ReplaceSummary reports how a replace-set write reconciled the stored
// denormalized list with the new one.
type ReplaceSummary struct {
	Inserted []string
	Updated  []string
	Deleted  []string
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	// PutSourceBatches replaces every source row of the catch.
	PutSourceBatches(ref CatchRef, rows []SourceBatch) error
	// ReplaceDenormalized stores the tree as the catch's only denormalized
	// list; stored records absent from tree are deleted.
	ReplaceDenormalized(ref CatchRef, tree DenormalizedTree) (ReplaceSummary, error)
	// DeleteCatch removes the source rows and denormalized list of the catch.
	DeleteCatch(ref CatchRef) error
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListCatches() []CatchRef
	SourceBatches(ref CatchRef) []SourceBatch
	Denormalized(ref CatchRef) (DenormalizedTree, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	ListCatches() []CatchRef
	SourceBatches(ref CatchRef) []SourceBatch
	Denormalized(ref CatchRef) (DenormalizedTree, bool)
}
