// Package memory provides an in-memory implementation of the catch batch
// persistence store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"catchcore/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// SourceBatch aliases domain.SourceBatch for in-memory persistence operations.
	SourceBatch = domain.SourceBatch
	// DenormalizedTree aliases domain.DenormalizedTree.
	DenormalizedTree = domain.DenormalizedTree
	// CatchRef aliases domain.CatchRef.
	CatchRef = domain.CatchRef
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	sources      map[string][]SourceBatch
	denormalized map[string]DenormalizedTree
}

// Snapshot captures a point-in-time clone of the store state, keyed by
// CatchRef.String().
type Snapshot struct {
	SourceBatches map[string][]SourceBatch    `json:"source_batches"`
	Denormalized  map[string]DenormalizedTree `json:"denormalized_batches"`
}

func newMemoryState() memoryState {
	return memoryState{
		sources:      make(map[string][]SourceBatch),
		denormalized: make(map[string]DenormalizedTree),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		sources:      make(map[string][]SourceBatch, len(s.sources)),
		denormalized: make(map[string]DenormalizedTree, len(s.denormalized)),
	}
	for k, rows := range s.sources {
		out.sources[k] = cloneRows(rows)
	}
	for k, tree := range s.denormalized {
		out.denormalized[k] = tree.Clone()
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{SourceBatches: c.sources, Denormalized: c.denormalized}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, rows := range s.SourceBatches {
		if _, err := domain.ParseCatchRef(k); err != nil {
			continue
		}
		state.sources[k] = cloneRows(rows)
	}
	for k, tree := range s.Denormalized {
		if _, err := domain.ParseCatchRef(k); err != nil {
			continue
		}
		cp := tree.Clone()
		cp.Relink()
		state.denormalized[k] = cp
	}
	return state
}

func cloneRows(rows []SourceBatch) []SourceBatch {
	if rows == nil {
		return nil
	}
	out := make([]SourceBatch, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

func (s memoryState) catches() []CatchRef {
	seen := make(map[string]struct{}, len(s.sources)+len(s.denormalized))
	for k := range s.sources {
		seen[k] = struct{}{}
	}
	for k := range s.denormalized {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]CatchRef, 0, len(keys))
	for _, k := range keys {
		ref, err := domain.ParseCatchRef(k)
		if err != nil {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// Store provides an in-memory transactional store for catch batches.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

type transaction struct {
	state   memoryState
	changes []Change
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListCatches returns every catch holding source rows or a denormalized list.
func (v transactionView) ListCatches() []CatchRef {
	return v.state.catches()
}

// SourceBatches returns the stored source rows of a catch.
func (v transactionView) SourceBatches(ref CatchRef) []SourceBatch {
	return cloneRows(v.state.sources[ref.String()])
}

// Denormalized returns the stored denormalized list of a catch.
func (v transactionView) Denormalized(ref CatchRef) (DenormalizedTree, bool) {
	tree, ok := v.state.denormalized[ref.String()]
	if !ok {
		return DenormalizedTree{}, false
	}
	return tree.Clone(), true
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// PutSourceBatches replaces every source row of the catch.
func (tx *transaction) PutSourceBatches(ref CatchRef, rows []SourceBatch) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if r.ID == "" {
			return fmt.Errorf("catch %s: source batch id required", ref)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("catch %s: duplicate source batch %q", ref, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	key := ref.String()
	before, existed := tx.state.sources[key]
	stored := make([]SourceBatch, 0, len(rows))
	for _, r := range rows {
		row := r.Clone()
		row.Children = nil
		stored = append(stored, row)
	}
	tx.state.sources[key] = stored
	action := domain.ActionCreate
	if existed {
		action = domain.ActionUpdate
	}
	tx.recordChange(Change{
		Entity:   domain.EntitySourceBatch,
		Action:   action,
		Catch:    ref,
		EntityID: key,
		Before:   cloneRows(before),
		After:    cloneRows(stored),
	})
	return nil
}

// ReplaceDenormalized stores tree as the only denormalized list of the
// catch. Stored records whose ids are absent from tree are deleted.
func (tx *transaction) ReplaceDenormalized(ref CatchRef, tree DenormalizedTree) (domain.ReplaceSummary, error) {
	if err := ref.Validate(); err != nil {
		return domain.ReplaceSummary{}, err
	}
	key := ref.String()
	previous := tx.state.denormalized[key]
	existing := make(map[string]domain.DenormalizedBatch, previous.Len())
	for _, b := range previous.Batches {
		existing[b.ID] = b
	}

	var summary domain.ReplaceSummary
	incoming := make(map[string]struct{}, tree.Len())
	for _, b := range tree.Batches {
		if _, dup := incoming[b.ID]; dup {
			return domain.ReplaceSummary{}, fmt.Errorf("catch %s: duplicate denormalized batch %q", ref, b.ID)
		}
		incoming[b.ID] = struct{}{}
		before, ok := existing[b.ID]
		if !ok {
			summary.Inserted = append(summary.Inserted, b.ID)
			tx.recordChange(Change{Entity: domain.EntityDenormalizedBatch, Action: domain.ActionCreate, Catch: ref, EntityID: b.ID, After: b.Clone()})
			continue
		}
		summary.Updated = append(summary.Updated, b.ID)
		tx.recordChange(Change{Entity: domain.EntityDenormalizedBatch, Action: domain.ActionUpdate, Catch: ref, EntityID: b.ID, Before: before.Clone(), After: b.Clone()})
	}
	for _, b := range previous.Batches {
		if _, keep := incoming[b.ID]; keep {
			continue
		}
		summary.Deleted = append(summary.Deleted, b.ID)
		tx.recordChange(Change{Entity: domain.EntityDenormalizedBatch, Action: domain.ActionDelete, Catch: ref, EntityID: b.ID, Before: b.Clone()})
	}

	if tree.Len() == 0 {
		delete(tx.state.denormalized, key)
		return summary, nil
	}
	tx.state.denormalized[key] = tree.Clone()
	return summary, nil
}

// DeleteCatch removes the source rows and denormalized list of the catch.
func (tx *transaction) DeleteCatch(ref CatchRef) error {
	key := ref.String()
	rows, hasRows := tx.state.sources[key]
	tree, hasTree := tx.state.denormalized[key]
	if !hasRows && !hasTree {
		return domain.ErrNotFound{Entity: domain.EntitySourceBatch, ID: key}
	}
	if hasRows {
		delete(tx.state.sources, key)
		tx.recordChange(Change{Entity: domain.EntitySourceBatch, Action: domain.ActionDelete, Catch: ref, EntityID: key, Before: cloneRows(rows)})
	}
	if hasTree {
		delete(tx.state.denormalized, key)
		for _, b := range tree.Batches {
			tx.recordChange(Change{Entity: domain.EntityDenormalizedBatch, Action: domain.ActionDelete, Catch: ref, EntityID: b.ID, Before: b.Clone()})
		}
	}
	return nil
}

// ListCatches returns every stored catch in key order.
func (s *Store) ListCatches() []CatchRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.catches()
}

// SourceBatches returns the stored source rows of a catch.
func (s *Store) SourceBatches(ref CatchRef) []SourceBatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRows(s.state.sources[ref.String()])
}

// Denormalized returns the stored denormalized list of a catch.
func (s *Store) Denormalized(ref CatchRef) (DenormalizedTree, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.state.denormalized[ref.String()]
	if !ok {
		return DenormalizedTree{}, false
	}
	return tree.Clone(), true
}
