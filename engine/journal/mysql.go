package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLJournal is a MySQL-backed Journal for deployments that centralize
// run audit trails. Schema mirrors SQLiteJournal; sequence numbers are
// engine-side so snapshot semantics stay identical across backends.
type MySQLJournal[R any] struct {
	db  *sql.DB
	mu  sync.Mutex
	seq int64
}

// NewMySQLJournal opens a MySQL-backed journal using a go-sql-driver DSN,
// e.g. "user:pass@tcp(localhost:3306)/checkflow?parseTime=true".
func NewMySQLJournal[R any](dsn string) (*MySQLJournal[R], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS journal_entries (
			seq BIGINT PRIMARY KEY,
			session VARCHAR(191) NOT NULL,
			scope VARCHAR(512) NOT NULL,
			check_id VARCHAR(191) NOT NULL,
			event VARCHAR(64) NOT NULL,
			result JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_journal_session (session, seq)
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create journal_entries table: %w", err)
	}

	j := &MySQLJournal[R]{db: db}
	if err := j.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM journal_entries").Scan(&j.seq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read max seq: %w", err)
	}
	return j, nil
}

// Commit appends the entry with the result serialized as JSON.
func (j *MySQLJournal[R]) Commit(ctx context.Context, e Entry[R]) (Entry[R], error) {
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
func (j *MySQLJournal[R]) BeginSnapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot(j.seq)
}

// Visible returns session entries at or below the snapshot in commit order.
func (j *MySQLJournal[R]) Visible(ctx context.Context, session string, snap Snapshot, event string) ([]Entry[R], error) {
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
		var raw []byte
		if err := rows.Scan(&e.Seq, &e.Session, &e.Scope, &e.Check, &e.Event, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result for seq %d: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (j *MySQLJournal[R]) Close() error {
	return j.db.Close()
}
