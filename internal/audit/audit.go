// Package audit mirrors every review decision into a local SQLite
// database, independent of the platform-owned AiCodeReview.* metadata
// the Review State Store manages. It exists purely for operator-side
// queryability (recent activity, per-PR trail) and is never consulted
// by the Review Orchestrator's decision logic.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hvo-labs/ai-code-review/internal/domain"
)

// Entry is one mirrored review event.
type Entry struct {
	ID           string
	Project      string
	Repo         string
	PRID         int
	Action       domain.ReviewAction
	Status       string // reviewed, skipped, rate_limited, error
	HistoryEntry domain.ReviewHistoryEntry
	CreatedAt    time.Time
	DurationMs   int64
}

// Log is the audit trail contract; the Orchestrator records into it (when
// one is attached via WithAuditLog) on a best-effort basis alongside the
// Review State Store writes.
type Log interface {
	Record(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	ListByPR(ctx context.Context, project, repo string, prID int) ([]*Entry, error)
	ListRecent(ctx context.Context, limit int) ([]*Entry, error)
	Close() error
}

// SQLiteLog is a Log backed by a pure-Go SQLite driver, WAL mode
// enabled for concurrent readers alongside the append-only writer.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (and migrates) the audit database at dsn.
func NewSQLiteLog(dsn string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteLog{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS review_audit (
	id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	repo TEXT NOT NULL,
	pr_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	history_data TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_review_audit_pr ON review_audit(project, repo, pr_id);
CREATE INDEX IF NOT EXISTS idx_review_audit_created ON review_audit(created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// Record inserts one audit entry. The caller supplies ID (typically
// project/repo/prID/reviewNumber joined) so retries stay idempotent
// via INSERT OR REPLACE.
func (l *SQLiteLog) Record(ctx context.Context, e *Entry) error {
	historyData, err := json.Marshal(e.HistoryEntry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
INSERT OR REPLACE INTO review_audit (id, project, repo, pr_id, action, status, history_data, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Project, e.Repo, e.PRID, string(e.Action), e.Status, string(historyData), e.DurationMs)
	if err != nil {
		return fmt.Errorf("insert review_audit: %w", err)
	}
	return nil
}

// Get fetches a single entry by ID.
func (l *SQLiteLog) Get(ctx context.Context, id string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, project, repo, pr_id, action, status, history_data, created_at, duration_ms
FROM review_audit WHERE id = ?`, id)
	return scanEntry(row)
}

// ListByPR lists every mirrored entry for one PR, oldest first.
func (l *SQLiteLog) ListByPR(ctx context.Context, project, repo string, prID int) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, project, repo, pr_id, action, status, history_data, created_at, duration_ms
FROM review_audit WHERE project = ? AND repo = ? AND pr_id = ?
ORDER BY created_at ASC`, project, repo, prID)
	if err != nil {
		return nil, fmt.Errorf("query review_audit: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListRecent lists the most recently recorded entries across all PRs.
func (l *SQLiteLog) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, project, repo, pr_id, action, status, history_data, created_at, duration_ms
FROM review_audit ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query review_audit: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Close releases the underlying database handle.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

// scanner is implemented by both *sql.Row and *sql.Rows, letting Get
// and the list methods share one scan routine.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var action, historyData string
	if err := s.Scan(&e.ID, &e.Project, &e.Repo, &e.PRID, &action, &e.Status, &historyData, &e.CreatedAt, &e.DurationMs); err != nil {
		return nil, err
	}
	e.Action = domain.ReviewAction(action)

	var h domain.ReviewHistoryEntry
	if err := json.Unmarshal([]byte(historyData), &h); err != nil {
		return nil, fmt.Errorf("unmarshal history entry: %w", err)
	}
	e.HistoryEntry = h
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntryID builds a stable, idempotent identifier for one review event.
func EntryID(project, repo string, prID, reviewNumber int) string {
	return fmt.Sprintf("%s/%s/%d#%d", project, repo, prID, reviewNumber)
}
