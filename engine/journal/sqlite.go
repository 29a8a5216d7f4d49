package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteJournal is a SQLite-backed Journal.
//
// The engine's run state is per-run; a persistent journal exists for audit
// and inspection of committed step results after the process exits.
// Designed for:
//   - Development and CLI runs with zero setup
//   - Single-process engines that want a durable trail
//
// The database is a single file ("" or ":memory:" for in-memory) with one
// append-only table; sequence numbers come from the engine-side counter so
// snapshot semantics match MemJournal exactly.
type SQLiteJournal[R any] struct {
	db  *sql.DB
	mu  sync.Mutex
	seq int64
}

// NewSQLiteJournal opens (and migrates) a SQLite-backed journal at path.
func NewSQLiteJournal[R any](path string) (*SQLiteJournal[R], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS journal_entries (
			seq INTEGER PRIMARY KEY,
			session TEXT NOT NULL,
			scope TEXT NOT NULL,
			check_id TEXT NOT NULL,
			event TEXT NOT NULL,
			result TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create journal_entries table: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_journal_session ON journal_entries(session, seq)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create idx_journal_session: %w", err)
	}

	j := &SQLiteJournal[R]{db: db}
	if err := j.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM journal_entries").Scan(&j.seq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read max seq: %w", err)
	}
	return j, nil
}

// Commit appends the entry. The result is serialized as JSON.
func (j *SQLiteJournal[R]) Commit(ctx context.Context, e Entry[R]) (Entry[R], error) {
	data, err := json.Marshal(e.Result)
	if err != nil {
		return e, fmt.Errorf("failed to marshal result: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	e.Seq = j.seq

	_, err = j.db.ExecContext(ctx,
		"INSERT INTO journal_entries (seq, session, scope, check_id, event, result) VALUES (?, ?, ?, ?, ?, ?)",
		e.Seq, e.Session, e.Scope, e.Check, e.Event, string(data),
	)
	if err != nil {
		return e, fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return e, nil
}

// BeginSnapshot returns the current max sequence number.
func (j *SQLiteJournal[R]) BeginSnapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot(j.seq)
}

// Visible returns session entries at or below the snapshot in commit order.
func (j *SQLiteJournal[R]) Visible(ctx context.Context, session string, snap Snapshot, event string) ([]Entry[R], error) {
	query := "SELECT seq, session, scope, check_id, event, result FROM journal_entries WHERE session = ? AND seq <= ?"
	args := []any{session, int64(snap)}
	if event != "" {
		query += " AND (event = '' OR event = ?)"
		args = append(args, event)
	}
	query += " ORDER BY seq"

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry[R]
	for rows.Next() {
		var e Entry[R]
		var raw string
		if err := rows.Scan(&e.Seq, &e.Session, &e.Scope, &e.Check, &e.Event, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result for seq %d: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (j *SQLiteJournal[R]) Close() error {
	return j.db.Close()
}
