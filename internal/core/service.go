package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"catchcore/internal/denormalize"
	"catchcore/internal/infra/persistence/memory"
	"catchcore/pkg/domain"
)

// Service operation names used for logging, metrics, traces and audit.
const (
	OpImportCatch         = "import_catch"
	OpDenormalizeCatch    = "denormalize_catch"
	OpDenormalizedBatches = "denormalized_batches"
	OpDeleteCatch         = "delete_catch"
)

// RuleTreeAssembly names the violations raised from tree assembly warnings.
const RuleTreeAssembly = "tree_assembly"

// DefaultWorkers bounds DenormalizeCatches when no worker count is set.
const DefaultWorkers = 4

// Service orchestrates catch imports and denormalization runs over a
// persistent store.
type Service struct {
	store   PersistentStore
	cfg     denormalize.Config
	workers int
	logger  Logger
	clock   Clock
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

// WithConfig sets the denormalization configuration.
func WithConfig(cfg denormalize.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithWorkers bounds the number of catches denormalized concurrently.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for audit timestamps.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit recorder.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		workers: DefaultWorkers,
		logger:  noopLogger{},
		clock:   systemClock{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		audit:   noopAudit{},
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// ListCatches returns every stored catch.
func (s *Service) ListCatches() []CatchRef {
	return s.store.ListCatches()
}

// ImportCatch stores the tree rooted at root as the source rows of ref,
// replacing any previous rows.
func (s *Service) ImportCatch(ctx context.Context, ref CatchRef, root SourceBatch) (Result, error) {
	return s.ImportRows(ctx, ref, root.Flatten())
}

// ImportRows stores flat source rows for ref, replacing any previous rows.
func (s *Service) ImportRows(ctx context.Context, ref CatchRef, rows []SourceBatch) (Result, error) {
	var res Result
	err := s.run(ctx, OpImportCatch, ref, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return tx.PutSourceBatches(ref, rows)
		})
		return err
	})
	return res, err
}

// DenormalizeCatch loads the source rows of ref, denormalizes them and
// replaces the stored denormalized list. Tree assembly warnings are logged
// and returned as warn violations in the result.
func (s *Service) DenormalizeCatch(ctx context.Context, ref CatchRef) (DenormalizedTree, Result, error) {
	var (
		tree DenormalizedTree
		res  Result
	)
	err := s.run(ctx, OpDenormalizeCatch, ref, func(ctx context.Context) error {
		rows := s.store.SourceBatches(ref)
		if len(rows) == 0 {
			return domain.ErrNotFound{Entity: EntitySourceBatch, ID: ref.String()}
		}
		computed, warnings, err := denormalize.DenormalizeRows(rows, s.cfg)
		for _, w := range warnings {
			s.logger.Warn("batch tree warning", "catch", ref.String(), "code", string(w.Code), "batch", w.BatchID, "message", w.Message)
		}
		if err != nil {
			return fmt.Errorf("denormalize %s: %w", ref, err)
		}
		stored, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			summary, err := tx.ReplaceDenormalized(ref, computed)
			if err != nil {
				return err
			}
			s.logger.Debug("denormalized list replaced", "catch", ref.String(),
				"inserted", len(summary.Inserted), "updated", len(summary.Updated), "deleted", len(summary.Deleted))
			return nil
		})
		res = warningsResult(ref, warnings)
		res.Merge(stored)
		if err != nil {
			return err
		}
		tree = computed
		return nil
	})
	return tree, res, err
}

// CatchRun reports the outcome of one catch within DenormalizeCatches.
type CatchRun struct {
	Ref     CatchRef
	Batches int
	Result  Result
	Err     error
}

// DenormalizeCatches denormalizes refs concurrently, bounded by the worker
// count. A failing catch does not stop the others; the returned error joins
// every failure. Runs are reported in refs order.
func (s *Service) DenormalizeCatches(ctx context.Context, refs []CatchRef) ([]CatchRun, error) {
	runs := make([]CatchRun, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, ref := range refs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				runs[i] = CatchRun{Ref: ref, Err: err}
				return err
			}
			tree, res, err := s.DenormalizeCatch(gctx, ref)
			runs[i] = CatchRun{Ref: ref, Batches: tree.Len(), Result: res, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runs, err
	}
	var errs []error
	for _, r := range runs {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return runs, errors.Join(errs...)
}

// DenormalizedBatches returns the stored denormalized list of ref.
func (s *Service) DenormalizedBatches(ctx context.Context, ref CatchRef) (DenormalizedTree, error) {
	var tree DenormalizedTree
	err := s.run(ctx, OpDenormalizedBatches, ref, func(ctx context.Context) error {
		return s.store.View(ctx, func(view domain.TransactionView) error {
			t, ok := view.Denormalized(ref)
			if !ok {
				return domain.ErrNotFound{Entity: EntityDenormalizedBatch, ID: ref.String()}
			}
			tree = t
			return nil
		})
	})
	return tree, err
}

// DeleteCatch removes the source rows and denormalized list of ref.
func (s *Service) DeleteCatch(ctx context.Context, ref CatchRef) (Result, error) {
	var res Result
	err := s.run(ctx, OpDeleteCatch, ref, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return tx.DeleteCatch(ref)
		})
		return err
	})
	return res, err
}

// run wraps fn with tracing, metrics, logging and audit.
func (s *Service) run(ctx context.Context, op string, ref CatchRef, fn func(context.Context) error) error {
	runID := s.newID()
	ctx = ContextWithCatch(ctx, ref)
	ctx, span := s.tracer.Start(ctx, op)
	start := s.clock.Now()
	s.logger.Debug("operation started", "operation", op, "catch", ref.String(), "run_id", runID)

	err := fn(ctx)

	duration := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	if err != nil {
		s.logger.Error("operation failed", "operation", op, "catch", ref.String(), "run_id", runID, "error", err)
		s.recordAudit(ctx, runID, op, ref.String(), duration, err)
		return err
	}
	s.logger.Info("operation completed", "operation", op, "catch", ref.String(), "run_id", runID, "duration", duration)
	s.recordAudit(ctx, runID, op, ref.String(), duration, nil)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, runID, op, entityID string, duration time.Duration, err error) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		RunID:     runID,
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

func warningsResult(ref CatchRef, warnings []Warning) Result {
	var res Result
	for _, w := range warnings {
		res.Violations = append(res.Violations, Violation{
			Rule:     RuleTreeAssembly,
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("catch %s: %s", ref, w),
			Entity:   EntitySourceBatch,
			EntityID: w.BatchID,
		})
	}
	return res
}
