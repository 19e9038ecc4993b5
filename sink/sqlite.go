package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/writable"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS writables (
	id                 TEXT PRIMARY KEY,
	schema_name        TEXT NOT NULL,
	query              TEXT NOT NULL DEFAULT '',
	page               INTEGER NOT NULL,
	item_index         INTEGER NOT NULL,
	source_url         TEXT NOT NULL DEFAULT '',
	fetched_at         TEXT NOT NULL,
	complete           INTEGER NOT NULL,
	required_satisfied INTEGER NOT NULL,
	record             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS writables_schema ON writables(schema_name, fetched_at);`

const sqliteInsert = `INSERT OR REPLACE INTO writables
	(id, schema_name, query, page, item_index, source_url, fetched_at, complete, required_satisfied, record)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLite stores records in a writables table. The full record JSON is kept
// in the record column.
type SQLite struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens path with WAL, busy_timeout and synchronous=NORMAL and
// creates the table. ":memory:" keeps a single connection.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sink: sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: sqlite open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sink: sqlite %s: %w", p, err)
		}
	}
	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite uses an existing database. Close does not close db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("sink: sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB returns the underlying database.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Write(ctx context.Context, w *writable.Writable) error {
	rec, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("sink: sqlite: %w", err)
	}
	m, v := w.Meta(), w.Validation()
	_, err = execRetry(ctx, s.db, sqliteInsert,
		w.ID(), m.Schema, m.Query, m.Page, m.Index, m.SourceURL,
		m.FetchedAt.UTC().Format(time.RFC3339Nano), v.Complete, v.RequiredSatisfied, string(rec))
	if err != nil {
		return fmt.Errorf("sink: sqlite insert: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// isBusy reports an SQLITE_BUSY condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// execRetry retries busy failures three times with 100/200 ms backoff.
func execRetry(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	const attempts = 3
	for i := range attempts {
		res, err := db.ExecContext(ctx, query, args...)
		if err == nil || !isBusy(err) || i == attempts-1 {
			return res, err
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("sink: sqlite: retries exhausted")
}
