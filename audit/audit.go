// Package audit records scan lifecycle events to SQLite.
//
// Persistence is non-blocking in the error sense: a failing audit store is
// logged via slog but never propagates, so observability can never block
// or fail a scan.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/storywatch/idgen"
)

// Event is one domain-level occurrence to record.
type Event struct {
	RunID   string
	Kind    string // "scan_started", "scan_completed", "scan_failed", "scan_blocked", "history_rotated"
	Detail  string // optional JSON
	Success bool
}

// Record is a stored audit row.
type Record struct {
	ID        string
	RunID     string
	Kind      string
	Detail    string
	Success   bool
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS scan_audit (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL,
    kind       TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    success    INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scan_audit_run ON scan_audit (run_id);
`

// Logger writes audit events.
type Logger struct {
	db    *sql.DB
	newID idgen.Generator
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator sets a custom ID generator for audit rows.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// NewLogger creates a Logger and ensures the audit table exists.
func NewLogger(db *sql.DB, opts ...Option) (*Logger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}
	l := &Logger{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Record persists an event. Errors are logged, never returned.
func (l *Logger) Record(ctx context.Context, event Event) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO scan_audit (id, run_id, kind, detail, success, created_at)
		VALUES (?,?,?,?,?,?)`,
		l.newID(), event.RunID, event.Kind, event.Detail, event.Success,
		time.Now().Unix())
	if err != nil {
		slog.Error("audit: record failed", "error", err, "kind", event.Kind)
	}
}

// Recent returns the newest records up to limit, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, run_id, kind, detail, success, created_at
		FROM scan_audit ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Kind, &r.Detail, &r.Success, &created); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cleanup deletes records older than the retention window. Zero days means
// no cleanup.
func (l *Logger) Cleanup(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().Unix() - int64(retentionDays*86400)
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM scan_audit WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("audit: cleanup: %w", err)
	}
	return nil
}
