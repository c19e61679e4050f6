// Package exports materializes denormalized catch lists as downloadable
// artifacts in the blob store.
package exports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"catchcore/internal/blob"
	"catchcore/internal/core"
)

// Status describes the lifecycle stage of an export request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// AuditAction tags every audit entry emitted by the worker.
const AuditAction = "catch_export"

const defaultQueueSize = 32

// Artifact is one stored rendering of a denormalized list.
type Artifact struct {
	Key         string            `json:"key"`
	Format      Format            `json:"format"`
	ContentType string            `json:"content_type"`
	SizeBytes   int64             `json:"size_bytes"`
	ETag        string            `json:"etag,omitempty"`
	URL         string            `json:"url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Record tracks an export request and its artifacts.
type Record struct {
	ID          string        `json:"id"`
	Catch       core.CatchRef `json:"catch"`
	Formats     []Format      `json:"formats"`
	Status      Status        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Artifacts   []Artifact    `json:"artifacts,omitempty"`
	RequestedBy string        `json:"requested_by,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Done reports whether the export reached a terminal status.
func (r Record) Done() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// Input is an enqueue request.
type Input struct {
	Catch       core.CatchRef
	Formats     []Format
	RequestedBy string
	Reason      string
}

// Source supplies the stored denormalized list of a catch. *core.Service implements it.
type Source interface {
	DenormalizedBatches(ctx context.Context, ref core.CatchRef) (core.DenormalizedTree, error)
}

// Scheduler queues exports and exposes their status.
type Scheduler interface {
	EnqueueExport(ctx context.Context, input Input) (Record, error)
	GetExport(id string) (Record, bool)
}

// AuditLogger records export lifecycle transitions.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures one status transition of an export.
type AuditEntry struct {
	ID         string            `json:"id"`
	ExportID   string            `json:"export_id"`
	Action     string            `json:"action"`
	Actor      string            `json:"actor,omitempty"`
	Catch      core.CatchRef     `json:"catch"`
	Status     Status            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ErrQueueFull is returned by EnqueueExport when the worker cannot accept more work.
var ErrQueueFull = errors.New("export queue full")

// Worker renders exports asynchronously, one at a time.
type Worker struct {
	source Source
	store  blob.Store
	audit  AuditLogger
	logger core.Logger
	clock  core.Clock
	newID  func() string

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l core.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock sets the clock used for record and artifact timestamps.
func WithClock(c core.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithQueueSize bounds the number of pending exports.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

// NewWorker constructs an export worker. A nil audit logger disables auditing.
func NewWorker(source Source, store blob.Store, audit AuditLogger, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		source: source,
		store:  store,
		audit:  audit,
		logger: core.NopLogger(),
		clock:  core.ClockFunc(func() time.Time { return time.Now().UTC() }),
		newID:  uuid.NewString,
		queue:  make(chan string, defaultQueueSize),
		jobs:   make(map[string]*Record),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing queued exports.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the worker and waits for the in-flight export.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// EnqueueExport validates input, records it as queued and schedules it.
func (w *Worker) EnqueueExport(ctx context.Context, input Input) (Record, error) {
	if w.source == nil || w.store == nil {
		return Record{}, fmt.Errorf("export worker not configured")
	}
	if err := input.Catch.Validate(); err != nil {
		return Record{}, err
	}
	formats, err := normalizeFormats(input.Formats)
	if err != nil {
		return Record{}, err
	}

	now := w.clock.Now()
	record := Record{
		ID:          w.newID(),
		Catch:       input.Catch,
		Formats:     formats,
		Status:      StatusQueued,
		RequestedBy: input.RequestedBy,
		Reason:      input.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[record.ID] = &record
	queued := record.copy()
	w.mu.Unlock()
	w.record(ctx, queued, nil)

	select {
	case w.queue <- record.ID:
	default:
		rejected := w.transition(record.ID, StatusFailed, func(r *Record) { r.Error = ErrQueueFull.Error() })
		w.record(ctx, rejected, map[string]string{"error": ErrQueueFull.Error()})
		return Record{}, ErrQueueFull
	}
	return queued, nil
}

// GetExport returns a snapshot of the export record.
func (w *Worker) GetExport(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

// ListExports returns the exports requested for ref, oldest first.
func (w *Worker) ListExports(ref core.CatchRef) []Record {
	w.mu.RLock()
	out := make([]Record, 0, len(w.jobs))
	for _, record := range w.jobs {
		if record.Catch == ref {
			out = append(out, record.copy())
		}
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ArtifactKey is the blob key of an export rendering.
func ArtifactKey(ref core.CatchRef, exportID string, format Format) string {
	return fmt.Sprintf("catches/%s/%s/%s.%s", ref.Kind, ref.ID, exportID, format.Extension())
}

func (w *Worker) process(id string) {
	record, ok := w.GetExport(id)
	if !ok {
		return
	}
	w.transition(id, StatusRunning, func(*Record) {})

	tree, err := w.source.DenormalizedBatches(w.ctx, record.Catch)
	if err != nil {
		w.fail(id, fmt.Errorf("load denormalized batches: %w", err))
		return
	}

	artifacts := make([]Artifact, 0, len(record.Formats))
	for _, format := range record.Formats {
		artifact, err := w.storeArtifact(record, format, tree)
		if err != nil {
			w.fail(id, err)
			return
		}
		artifacts = append(artifacts, artifact)
	}

	done := w.transition(id, StatusSucceeded, func(r *Record) {
		r.Artifacts = artifacts
	})
	w.logger.Info("export completed", "export", id, "catch", record.Catch.String(), "artifacts", len(artifacts))
	w.record(w.ctx, done, nil)
}

func (w *Worker) storeArtifact(record Record, format Format, tree core.DenormalizedTree) (Artifact, error) {
	payload, err := Render(format, record.Catch, tree)
	if err != nil {
		return Artifact{}, fmt.Errorf("render %s: %w", format, err)
	}
	key := ArtifactKey(record.Catch, record.ID, format)
	meta := map[string]string{
		"catch":   record.Catch.String(),
		"export":  record.ID,
		"batches": fmt.Sprint(tree.Len()),
	}
	info, err := w.store.Put(w.ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: format.ContentType(),
		Metadata:    meta,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("store %s artifact: %w", format, err)
	}
	url := info.URL
	if signed, err := w.store.PresignURL(w.ctx, key, blob.SignedURLOptions{}); err == nil {
		url = signed
	} else if !errors.Is(err, blob.ErrUnsupported) {
		return Artifact{}, fmt.Errorf("sign %s artifact: %w", format, err)
	}
	created := info.LastModified
	if created.IsZero() {
		created = w.clock.Now()
	}
	return Artifact{
		Key:         info.Key,
		Format:      format,
		ContentType: format.ContentType(),
		SizeBytes:   int64(len(payload)),
		ETag:        info.ETag,
		URL:         url,
		Metadata:    meta,
		CreatedAt:   created,
	}, nil
}

func (w *Worker) fail(id string, err error) {
	failed := w.transition(id, StatusFailed, func(r *Record) {
		r.Error = err.Error()
	})
	w.logger.Error("export failed", "export", id, "catch", failed.Catch.String(), "error", err)
	w.record(w.ctx, failed, map[string]string{"error": err.Error()})
}

// transition sets status under the lock, applies mutate and returns the new snapshot.
// Running is audited here; terminal states are audited by the caller.
func (w *Worker) transition(id string, status Status, mutate func(*Record)) Record {
	now := w.clock.Now()
	w.mu.Lock()
	record, ok := w.jobs[id]
	if !ok {
		w.mu.Unlock()
		return Record{ID: id, Status: status}
	}
	record.Status = status
	record.UpdatedAt = now
	if status == StatusSucceeded || status == StatusFailed {
		completed := now
		record.CompletedAt = &completed
	}
	mutate(record)
	snapshot := record.copy()
	w.mu.Unlock()

	if status == StatusRunning {
		w.record(w.ctx, snapshot, nil)
	}
	return snapshot
}

func (w *Worker) record(ctx context.Context, r Record, meta map[string]string) {
	if w.audit == nil {
		return
	}
	w.audit.Record(ctx, AuditEntry{
		ID:         w.newID(),
		ExportID:   r.ID,
		Action:     AuditAction,
		Actor:      r.RequestedBy,
		Catch:      r.Catch,
		Status:     r.Status,
		Reason:     r.Reason,
		Metadata:   meta,
		OccurredAt: r.UpdatedAt,
	})
}

func normalizeFormats(formats []Format) ([]Format, error) {
	if len(formats) == 0 {
		return []Format{FormatJSON}, nil
	}
	out := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{}, len(formats))
	for _, f := range formats {
		format, err := ParseFormat(string(f))
		if err != nil {
			return nil, err
		}
		if _, dup := seen[format]; dup {
			continue
		}
		seen[format] = struct{}{}
		out = append(out, format)
	}
	return out, nil
}

// ParseFormats splits a comma separated list such as "csv,xlsx".
func ParseFormats(list string) ([]Format, error) {
	var out []Format
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		f, err := ParseFormat(part)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return normalizeFormats(out)
}

func (r Record) copy() Record {
	dup := r
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = make([]Artifact, len(r.Artifacts))
		for i, a := range r.Artifacts {
			a.Metadata = cloneMeta(a.Metadata)
			dup.Artifacts[i] = a
		}
	}
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		dup.CompletedAt = &completed
	}
	return dup
}

func cloneMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryAuditLog captures audit entries in memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
