// Package ledger keeps per-file and per-page terminal statuses for a batch
// in an in-memory SQLite database. Nothing persists past process lifetime;
// the ledger exists so progress aggregates and the status API read from one
// bookkeeping surface instead of scraping processor internals.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// File statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Ledger wraps the batch bookkeeping database.
type Ledger struct {
	db *sql.DB
}

// Open creates the in-memory database and bootstraps the schema.
func Open(ctx context.Context) (*Ledger, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// The in-memory DB vanishes if the last connection closes.
	db.SetMaxOpenConns(1)

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_files (
  name         TEXT PRIMARY KEY,
  fingerprint  TEXT NOT NULL DEFAULT '',
  total_pages  INTEGER NOT NULL DEFAULT 0,
  status       TEXT NOT NULL,
  failed_pages INTEGER NOT NULL DEFAULT 0,
  created_at   TEXT NOT NULL,
  completed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS batch_pages (
  file_name  TEXT NOT NULL,
  page       INTEGER NOT NULL,
  status     TEXT NOT NULL,
  attempts   INTEGER NOT NULL DEFAULT 1,
  last_error TEXT,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (file_name, page)
);`,
		`CREATE INDEX IF NOT EXISTS batch_pages_status_idx ON batch_pages(file_name, status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap ledger: %w", err)
		}
	}
	return nil
}

// AddFile registers a file as pending. Re-adding a name resets its row.
func (l *Ledger) AddFile(ctx context.Context, name string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
INSERT INTO batch_files(name, status, created_at) VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET status = excluded.status, fingerprint = '',
  total_pages = 0, failed_pages = 0, created_at = excluded.created_at,
  completed_at = NULL;
`, name, StatusPending, now)
	if err != nil {
		return fmt.Errorf("add file: %w", err)
	}
	return nil
}

// SetFilePages records the page count and content fingerprint once the
// document is open and moves the file to processing. The fingerprint ties
// the row to the document bytes, so re-submissions of the same name with
// different content are distinguishable in the snapshot.
func (l *Ledger) SetFilePages(ctx context.Context, name string, totalPages int, fingerprint string) error {
	_, err := l.db.ExecContext(ctx, `
UPDATE batch_files SET total_pages = ?, fingerprint = ?, status = ? WHERE name = ?;
`, totalPages, fingerprint, StatusProcessing, name)
	if err != nil {
		return fmt.Errorf("set file pages: %w", err)
	}
	return nil
}

// MarkPage records a page's terminal status.
func (l *Ledger) MarkPage(ctx context.Context, name string, page int, status string, attempts int, lastError string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var errVal any
	if lastError != "" {
		errVal = lastError
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO batch_pages(file_name, page, status, attempts, last_error, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(file_name, page) DO UPDATE SET status = excluded.status,
  attempts = excluded.attempts, last_error = excluded.last_error,
  updated_at = excluded.updated_at;
`, name, page, status, attempts, errVal, now)
	if err != nil {
		return fmt.Errorf("mark page: %w", err)
	}
	return nil
}

// MarkFile records a file's terminal status and failed-page count.
func (l *Ledger) MarkFile(ctx context.Context, name, status string, failedPages int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
UPDATE batch_files SET status = ?, failed_pages = ?, completed_at = ? WHERE name = ?;
`, status, failedPages, now, name)
	if err != nil {
		return fmt.Errorf("mark file: %w", err)
	}
	return nil
}

// FileRecord is one row of the batch snapshot.
type FileRecord struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	TotalPages  int    `json:"total_pages"`
	Status      string `json:"status"`
	FailedPages int    `json:"failed_pages"`
	DonePages   int    `json:"done_pages"`
}

// Snapshot returns the current per-file state, oldest first.
func (l *Ledger) Snapshot(ctx context.Context) ([]FileRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT f.name, f.fingerprint, f.total_pages, f.status, f.failed_pages,
  (SELECT COUNT(*) FROM batch_pages p WHERE p.file_name = f.name) AS done_pages
FROM batch_files f
ORDER BY f.created_at ASC, f.name ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var r FileRecord
		if err := rows.Scan(&r.Name, &r.Fingerprint, &r.TotalPages, &r.Status, &r.FailedPages, &r.DonePages); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Progress returns the fraction of files in a terminal status.
func (l *Ledger) Progress(ctx context.Context) (float64, error) {
	var total, done int
	err := l.db.QueryRowContext(ctx, `
SELECT COUNT(*),
  COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0)
FROM batch_files;
`, StatusCompleted, StatusFailed).Scan(&total, &done)
	if err != nil {
		return 0, fmt.Errorf("progress: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(done) / float64(total), nil
}
