package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/sjson"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists run traces to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db   *sql.DB
	opts options

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) a trace database at path. Use
// ":memory:" for tests.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			teacher_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			summary TEXT NOT NULL DEFAULT '{}'
		);
		CREATE TABLE IF NOT EXISTS nodes (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms REAL NOT NULL,
			refine_iter INTEGER NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db, opts: o}, nil
}

func (s *SQLiteStore) now() time.Time {
	return s.opts.clock.Now().UTC()
}

// GetOrCreate implements Store.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, runID string) (*RunTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.ensureRun(ctx, tx, runID)
	}); err != nil {
		return nil, err
	}
	return s.get(ctx, runID)
}

// AppendNode implements Store.
func (s *SQLiteStore) AppendNode(ctx context.Context, runID string, node NodeTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureRun(ctx, tx, runID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (run_id, seq, node, status, duration_ms, refine_iter, rationale, error, started_at)
			VALUES (
				?,
				COALESCE((SELECT MAX(seq) FROM nodes WHERE run_id = ?), 0) + 1,
				?, ?, ?, ?, ?, ?, ?
			)
		`, runID, runID, node.Node, node.Status, node.DurationMs, node.RefineIter,
			node.Rationale, node.Error, node.StartedAt.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("append node: %w", err)
		}
		return s.touch(ctx, tx, runID)
	})
}

// UpdateRun implements Store. Summary keys are patched into the stored
// JSON document one at a time.
func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureRun(ctx, tx, runID); err != nil {
			return err
		}

		var summary string
		if err := tx.QueryRowContext(ctx, `SELECT summary FROM runs WHERE run_id = ?`, runID).Scan(&summary); err != nil {
			return fmt.Errorf("load summary: %w", err)
		}

		patched := []byte(summary)
		for key, value := range fields {
			if columnFields[key] {
				// key is one of a fixed set of column names.
				if _, err := tx.ExecContext(ctx,
					`UPDATE runs SET `+key+` = ? WHERE run_id = ?`, columnValue(value), runID); err != nil {
					return fmt.Errorf("update %s: %w", key, err)
				}
				continue
			}
			var err error
			if patched, err = sjson.SetBytes(patched, key, value); err != nil {
				return fmt.Errorf("patch summary %s: %w", key, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET summary = ? WHERE run_id = ?`, string(patched), runID); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
		return s.touch(ctx, tx, runID)
	})
}

// ListRecent implements Store.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]RunTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = s.opts.maxEntries
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, teacher_id, subject, status, created_at, updated_at, summary
		FROM runs
		WHERE updated_at >= ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, s.cutoff(), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]RunTrace, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, runID string) (*RunTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.get(ctx, runID)
}

func (s *SQLiteStore) get(ctx context.Context, runID string) (*RunTrace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, teacher_id, subject, status, created_at, updated_at, summary
		FROM runs
		WHERE run_id = ? AND updated_at >= ?
	`, runID, s.cutoff())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, node, status, duration_ms, refine_iter, rationale, error, started_at
		FROM nodes
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	run.Nodes = make([]NodeTrace, 0)
	for rows.Next() {
		var n NodeTrace
		var started int64
		if err := rows.Scan(&n.Seq, &n.Node, &n.Status, &n.DurationMs, &n.RefineIter,
			&n.Rationale, &n.Error, &started); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.StartedAt = time.Unix(0, started).UTC()
		run.Nodes = append(run.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return run, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) cutoff() int64 {
	return s.now().Add(-s.opts.ttl).UnixNano()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ensureRun evicts expired and overflowing runs, then inserts runID if it
// is missing.
func (s *SQLiteStore) ensureRun(ctx context.Context, tx *sql.Tx, runID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE updated_at < ?`, s.cutoff()); err != nil {
		return fmt.Errorf("evict expired runs: %w", err)
	}

	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (run_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, runID, StatusRunning, now, now)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM runs WHERE run_id IN (
				SELECT run_id FROM runs
				WHERE run_id != ?
				ORDER BY updated_at DESC
				LIMIT -1 OFFSET ?
			)
		`, runID, s.opts.maxEntries-1); err != nil {
			return fmt.Errorf("evict overflow runs: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE run_id NOT IN (SELECT run_id FROM runs)`); err != nil {
		return fmt.Errorf("evict orphan nodes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) touch(ctx context.Context, tx *sql.Tx, runID string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET updated_at = ? WHERE run_id = ?`, s.now().UnixNano(), runID); err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunTrace, error) {
	var run RunTrace
	var created, updated int64
	var summary string
	if err := row.Scan(&run.RunID, &run.TeacherID, &run.Subject, &run.Status,
		&created, &updated, &summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.CreatedAt = time.Unix(0, created).UTC()
	run.UpdatedAt = time.Unix(0, updated).UTC()
	run.Summary = []byte(summary)
	return &run, nil
}
