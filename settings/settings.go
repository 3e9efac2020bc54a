// Package settings implements the key-value settings store consumed by the
// scan pipeline and the review ledger.
//
// The contract is deliberately small — get(key, default) / set(key, value) —
// because the desktop shell and onboarding windows read and write the same
// store. Values are stored as strings; structured values (string sets, the
// review history log) are JSON-encoded and decoded by the helpers in this
// package.
//
// The SQLite implementation applies the production-safe pragmas on open:
//
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	_ "modernc.org/sqlite"
)

// Keys recognised by the pipeline. The shell may store additional keys in
// the same table; this package does not enumerate them.
const (
	KeyAPIKey           = "openrouterApiKey"
	KeyHiddenAccounts   = "hiddenAccounts"
	KeyReviewedEvents   = "reviewedEvents"
	KeyRejectedEvents   = "rejectedEvents"
	KeyReviewHistory    = "reviewHistory"
	KeyLastScanTime     = "lastScanTime"
	KeyLastEventCount   = "lastEventCount"
	KeyLastStoryCount   = "lastStoryCount"
	KeyLastError        = "lastError"
	KeyAutoScanEnabled  = "autoScanEnabled"
	KeyLastAutoScanTime = "lastAutoScanTime"
)

// Store is the settings contract: string values keyed by string, with a
// default returned for absent keys.
type Store interface {
	Get(ctx context.Context, key, def string) (string, error)
	Set(ctx context.Context, key, value string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// DB is a Store backed by a SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the settings database at path and
// applies pragmas and schema. Parent directories are created.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("settings: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("settings: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("settings: apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// SQL exposes the underlying handle so collaborators (audit) can share the
// same database file.
func (d *DB) SQL() *sql.DB { return d.db }

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Get returns the value for key, or def if the key is absent.
func (d *DB) Get(ctx context.Context, key, def string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("settings: get %s: %w", key, err)
	}
	return value, nil
}

// Set writes the value for key, replacing any existing value.
func (d *DB) Set(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

// StringSet decodes the JSON string array stored under key into a set.
// An absent key yields an empty set.
func StringSet(ctx context.Context, s Store, key string) (map[string]struct{}, error) {
	raw, err := s.Get(ctx, key, "[]")
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("settings: decode %s: %w", key, err)
	}
	set := make(map[string]struct{}, len(list))
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set, nil
}

// SetStringSet encodes the set as a sorted JSON string array under key.
// Sorting keeps the stored value deterministic across writes.
func SetStringSet(ctx context.Context, s Store, key string, set map[string]struct{}) error {
	list := make([]string, 0, len(set))
	for v := range set {
		list = append(list, v)
	}
	sort.Strings(list)
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw))
}

// Int64 reads an integer value, returning def when absent or empty.
func Int64(ctx context.Context, s Store, key string, def int64) (int64, error) {
	raw, err := s.Get(ctx, key, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("settings: parse %s=%q: %w", key, raw, err)
	}
	return n, nil
}

// SetInt64 writes an integer value.
func SetInt64(ctx context.Context, s Store, key string, n int64) error {
	return s.Set(ctx, key, strconv.FormatInt(n, 10))
}

// Bool reads a boolean value ("true"/"false"), returning def when absent.
func Bool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	raw, err := s.Get(ctx, key, "")
	if err != nil {
		return false, err
	}
	switch raw {
	case "":
		return def, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("settings: parse %s=%q: not a boolean", key, raw)
}

// SetBool writes a boolean value.
func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}
