// Package tablefile implements a table (SQLite-backed) backend: entries
// live in a single-table SQLite database rather than a whole-file JSON
// mirror, giving this backend real transactions and a native prefix
// push-down for the query planner.
//
// Grounded on viant-embedius/vectordb/coord/sqlite/db_sqlite.go: the
// PRAGMA set-up (WAL journal mode, synchronous=NORMAL, tuned page cache),
// the BeginTx/ExecContext/Commit/Rollback pattern, and prepared
// statements for the hot paths, all carried over directly. The driver is
// modernc.org/sqlite, the same pure-Go driver that file uses and the one
// other_examples/aladin2907-overhuman__storage.go independently confirms
// as the pack's answer to "embed SQLite without cgo".
package tablefile

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/birchdb/birch/internal/logging"
	"github.com/birchdb/birch/pkg/backend"
)

var log = logging.Get("tablefile")

// Backend is the SQLite-backed implementation of backend.Backend and
// backend.Transactional.
type Backend struct {
	path string
	wal  bool
	db   *sql.DB

	getStmt    *sql.Stmt
	setStmt    *sql.Stmt
	deleteStmt *sql.Stmt
}

// Options configures a Backend.
type Options struct {
	Path    string
	WALMode bool
}

// New constructs a Backend. Call Connect before use.
func New(opts Options) *Backend {
	return &Backend{path: opts.Path, wal: opts.WALMode}
}

func (b *Backend) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_txlock=immediate", b.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("tablefile: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA cache_size=-65536;", // 64 MiB page cache
	}
	if b.wal {
		pragmas = append([]string{"PRAGMA journal_mode=WAL;"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warnf("pragma %q failed: %v", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return fmt.Errorf("tablefile: ensure schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_data_key ON data(key)`); err != nil {
		db.Close()
		return fmt.Errorf("tablefile: ensure index: %w", err)
	}

	get, err := db.PrepareContext(ctx, `SELECT value FROM data WHERE key = ?`)
	if err != nil {
		db.Close()
		return fmt.Errorf("tablefile: prepare get: %w", err)
	}
	set, err := db.PrepareContext(ctx, `
		INSERT INTO data(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		db.Close()
		return fmt.Errorf("tablefile: prepare set: %w", err)
	}
	del, err := db.PrepareContext(ctx, `DELETE FROM data WHERE key = ?`)
	if err != nil {
		db.Close()
		return fmt.Errorf("tablefile: prepare delete: %w", err)
	}

	b.db, b.getStmt, b.setStmt, b.deleteStmt = db, get, set, del
	return nil
}

func (b *Backend) Destroy(ctx context.Context) error {
	if b.getStmt != nil {
		b.getStmt.Close()
	}
	if b.setStmt != nil {
		b.setStmt.Close()
	}
	if b.deleteStmt != nil {
		b.deleteStmt.Close()
	}
	if b.db == nil {
		return nil
	}
	if err := b.db.Close(); err != nil {
		return err
	}
	// best-effort cleanup of WAL/shm side-files; not an error if absent.
	_ = os.Remove(b.path + "-wal")
	_ = os.Remove(b.path + "-shm")
	return nil
}

func (b *Backend) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := b.getStmt.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("tablefile: get %q: %w", key, err)
	}
	return value, true, nil
}

func (b *Backend) SetValue(ctx context.Context, key, value string) error {
	if _, err := b.setStmt.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("tablefile: set %q: %w", key, err)
	}
	return nil
}

func (b *Backend) DeleteValue(ctx context.Context, key string) error {
	if _, err := b.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("tablefile: delete %q: %w", key, err)
	}
	return nil
}

func (b *Backend) ReadAll(ctx context.Context) ([]backend.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM data`)
	if err != nil {
		return nil, fmt.Errorf("tablefile: read all: %w", err)
	}
	defer rows.Close()

	var entries []backend.Entry
	for rows.Next() {
		var e backend.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("tablefile: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *Backend) WriteAll(ctx context.Context, entries []backend.Entry) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tablefile: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM data`); err != nil {
		return fmt.Errorf("tablefile: clear: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO data(key, value) VALUES(?, ?)`)
	if err != nil {
		return fmt.Errorf("tablefile: prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Value); err != nil {
			return fmt.Errorf("tablefile: insert %q: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

func (b *Backend) BatchSet(ctx context.Context, entries []backend.Entry) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tablefile: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.StmtContext(ctx, b.setStmt)
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Value); err != nil {
			return fmt.Errorf("tablefile: batch set %q: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

func (b *Backend) BatchDelete(ctx context.Context, keys []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tablefile: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.StmtContext(ctx, b.deleteStmt)
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			return fmt.Errorf("tablefile: batch delete %q: %w", k, err)
		}
	}
	return tx.Commit()
}

func (b *Backend) StreamEntries(ctx context.Context, prefix string, fn func(backend.Entry) bool) error {
	query := `SELECT key, value FROM data`
	args := []any{}
	if prefix != "" {
		query += ` WHERE key GLOB ?`
		args = append(args, escapeGlob(prefix)+"*")
	}
	query += ` ORDER BY key`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("tablefile: stream: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e backend.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return fmt.Errorf("tablefile: scan: %w", err)
		}
		if !fn(e) {
			break
		}
	}
	return rows.Err()
}

// FetchRange implements backend.RangeFetcher: a single ranged, key-ordered
// query with the prefix pushed down as a native GLOB filter.
func (b *Backend) FetchRange(ctx context.Context, prefix string, descending bool, limit, offset int) ([]backend.Entry, error) {
	q := `SELECT key, value FROM data`
	args := []any{}
	if prefix != "" {
		q += ` WHERE key GLOB ?`
		args = append(args, escapeGlob(prefix)+"*")
	}
	q += ` ORDER BY key`
	if descending {
		q += ` DESC`
	}
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		q += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("tablefile: fetch range: %w", err)
	}
	defer rows.Close()

	var out []backend.Entry
	for rows.Next() {
		var e backend.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("tablefile: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// escapeGlob escapes SQLite GLOB metacharacters in a literal prefix so
// prefix scans never accidentally behave like wildcard queries.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']':
			b.WriteByte('[')
			b.WriteRune(r)
			b.WriteByte(']')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (b *Backend) SupportsFeature(f backend.Feature) bool {
	switch f {
	case backend.FeatureTransactions, backend.FeatureStreaming, backend.FeaturePrefixPushdown:
		return true
	default:
		return false
	}
}

func (b *Backend) GetInfo(ctx context.Context) (backend.Info, error) {
	var size int64
	if info, err := os.Stat(b.path); err == nil {
		size = info.Size()
	}
	return backend.Info{
		SizeBytes:   size,
		BackendType: "tablefile",
		SupportedFeatures: []backend.Feature{
			backend.FeatureTransactions,
			backend.FeatureStreaming,
			backend.FeaturePrefixPushdown,
		},
	}, nil
}

// BeginTx opens a transaction, satisfying backend.Transactional. The
// connection's DSN carries _txlock=immediate, so every BEGIN issued
// through it acquires the write lock up front rather than deferring it
// to the first write statement, giving concurrent transactions a
// serial commit order through lock acquisition instead of a late
// write-write conflict at commit time.
func (b *Backend) BeginTx(ctx context.Context) (backend.Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tablefile: begin: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM data WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("tablefile: tx get %q: %w", key, err)
	}
	return value, true, nil
}

func (t *sqlTx) SetValue(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO data(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("tablefile: tx set %q: %w", key, err)
	}
	return nil
}

func (t *sqlTx) DeleteValue(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM data WHERE key = ?`, key); err != nil {
		return fmt.Errorf("tablefile: tx delete %q: %w", key, err)
	}
	return nil
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }
