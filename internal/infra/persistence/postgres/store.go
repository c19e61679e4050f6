// Package postgres provides a Postgres-backed persistent store. Transactions
// run against the in-memory store; afterwards every catch whose rows changed
// is written to its own JSONB row in catch_state.
package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"catchcore/internal/infra/persistence/memory"
	"catchcore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/catchcore?sslmode=disable"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS catch_state (
		catch_ref TEXT PRIMARY KEY,
		source_batches JSONB,
		denormalized_batches JSONB
	)`
	selectSQL = `SELECT catch_ref, source_batches, denormalized_batches FROM catch_state`
	upsertSQL = `INSERT INTO catch_state(catch_ref,source_batches,denormalized_batches) VALUES($1,$2,$3)
		ON CONFLICT(catch_ref) DO UPDATE SET source_batches=EXCLUDED.source_batches, denormalized_batches=EXCLUDED.denormalized_batches`
	deleteSQL = `DELETE FROM catch_state WHERE catch_ref=$1`
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists catches to Postgres while reusing the in-memory
// implementation for transactions and reads.
type Store struct {
	*memory.Store
	db *sql.DB

	mu sync.Mutex
	// written holds the digest of each catch row as last stored.
	written map[string][sha256.Size]byte
}

// catchRow is the encoded state of one catch.
type catchRow struct {
	source       []byte
	denormalized []byte
}

func (r catchRow) digest() [sha256.Size]byte {
	h := sha256.New()
	h.Write(r.source)
	h.Write([]byte{0})
	h.Write(r.denormalized)
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// NewStore opens a store using dsn (defaultDSN when empty), creates the
// catch_state table and hydrates memory from the stored rows.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure catch_state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, written: make(map[string][sha256.Size]byte)}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, selectSQL)
	if err != nil {
		return fmt.Errorf("select catch_state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{
		SourceBatches: make(map[string][]domain.SourceBatch),
		Denormalized:  make(map[string]domain.DenormalizedTree),
	}
	for rows.Next() {
		var ref string
		var row catchRow
		if err := rows.Scan(&ref, &row.source, &row.denormalized); err != nil {
			return fmt.Errorf("scan catch_state: %w", err)
		}
		if len(row.source) > 0 {
			var batches []domain.SourceBatch
			if err := json.Unmarshal(row.source, &batches); err != nil {
				return fmt.Errorf("decode source batches of %s: %w", ref, err)
			}
			snapshot.SourceBatches[ref] = batches
		}
		if len(row.denormalized) > 0 {
			var tree domain.DenormalizedTree
			if err := json.Unmarshal(row.denormalized, &tree); err != nil {
				return fmt.Errorf("decode denormalized batches of %s: %w", ref, err)
			}
			snapshot.Denormalized[ref] = tree
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate catch_state: %w", err)
	}
	s.ImportState(snapshot)
	// Digests come from re-encoding; JSONB does not keep the bytes we wrote.
	encoded, err := encodeRows(s.ExportState())
	if err != nil {
		return err
	}
	for ref, row := range encoded {
		s.written[ref] = row.digest()
	}
	return nil
}

// RunInTransaction applies fn in memory, then writes the changed catches.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// DB exposes the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func encodeRows(snapshot memory.Snapshot) (map[string]catchRow, error) {
	rows := make(map[string]catchRow, len(snapshot.SourceBatches))
	for ref, batches := range snapshot.SourceBatches {
		data, err := json.Marshal(batches)
		if err != nil {
			return nil, fmt.Errorf("encode source batches of %s: %w", ref, err)
		}
		rows[ref] = catchRow{source: data}
	}
	for ref, tree := range snapshot.Denormalized {
		data, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("encode denormalized batches of %s: %w", ref, err)
		}
		row := rows[ref]
		row.denormalized = data
		rows[ref] = row
	}
	return rows, nil
}

// persist upserts changed catches and deletes removed ones in one
// transaction. Unchanged state issues no statements.
func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := encodeRows(s.ExportState())
	if err != nil {
		return err
	}

	digests := make(map[string][sha256.Size]byte, len(rows))
	var upserts, deletes []string
	for ref, row := range rows {
		digests[ref] = row.digest()
		if prev, ok := s.written[ref]; !ok || prev != digests[ref] {
			upserts = append(upserts, ref)
		}
	}
	for ref := range s.written {
		if _, ok := rows[ref]; !ok {
			deletes = append(deletes, ref)
		}
	}
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	sort.Strings(upserts)
	sort.Strings(deletes)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, ref := range upserts {
		row := rows[ref]
		if _, err := tx.ExecContext(ctx, upsertSQL, ref, nullJSON(row.source), nullJSON(row.denormalized)); err != nil {
			return fmt.Errorf("upsert %s: %w", ref, err)
		}
	}
	for _, ref := range deletes {
		if _, err := tx.ExecContext(ctx, deleteSQL, ref); err != nil {
			return fmt.Errorf("delete %s: %w", ref, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	s.written = digests
	return nil
}

// nullJSON maps an absent bucket to SQL NULL.
func nullJSON(data []byte) any {
	if data == nil {
		return nil
	}
	return data
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
