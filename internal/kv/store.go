// Package kv implements the persistent key-value store adapter the core
// depends on: namespaced gets, batched sets (where a nil value deletes),
// and transactions that may nest, with inner transactions joining the
// outer one. The adapter performs no business logic — it is a thin,
// generic contract over a transactional SQL database, following the
// bootstrapping style of the teacher's per-concern SQLite store but
// generalized to one namespace+key table instead of one table per
// concern, since the callers above this package now speak in namespaces.
package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is a namespaced, transactional key-value store backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for storage-error diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens or creates a SQLite-backed store at path. If path is empty,
// an in-memory database is used (handy for tests; data does not survive
// Close).
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
		return nil, fmt.Errorf("kv: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create schema: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// querier is satisfied by both *sql.DB and *sql.Tx, so Get/Set can run
// either standalone or inside an active transaction without duplicating
// the SQL.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type txKey struct{}

func (s *Store) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Get fetches the values for keys in namespace. Keys absent from the
// store are simply absent from the result map.
func (s *Store) Get(ctx context.Context, namespace string, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	q := s.querier(ctx)
	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	args = append(args, namespace)
	for i, k := range keys {
		placeholders[i] = "?"
		args = append(args, k)
	}
	query := fmt.Sprintf(
		"SELECT key, value FROM kv WHERE namespace = ? AND key IN (%s)",
		joinPlaceholders(placeholders),
	)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv: get namespace %q: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string][]byte, len(keys))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("kv: scan namespace %q: %w", namespace, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: iterate namespace %q: %w", namespace, err)
	}
	return out, nil
}

// Keys returns every key currently stored in namespace. Used by the
// validate-and-repair and stats passes, which must scan a whole namespace
// rather than look up specific keys.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	q := s.querier(ctx)
	rows, err := q.QueryContext(ctx, "SELECT key FROM kv WHERE namespace = ?", namespace)
	if err != nil {
		return nil, fmt.Errorf("kv: list keys in namespace %q: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("kv: scan key in namespace %q: %w", namespace, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetOne is a convenience wrapper around Get for a single key. It returns
// (nil, false, nil) when the key is absent.
func (s *Store) GetOne(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	m, err := s.Get(ctx, namespace, []string{key})
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

// Set writes a batch of key/value pairs across one or more namespaces. A
// nil value deletes the key. When called inside an active Transaction,
// the writes join that transaction; otherwise Set commits its own single
// statement batch atomically.
func (s *Store) Set(ctx context.Context, writes map[string]map[string][]byte) error {
	if len(writes) == 0 {
		return nil
	}
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return s.applyWrites(ctx, s.querier(ctx), writes)
	}
	return s.Transaction(ctx, func(ctx context.Context) error {
		return s.applyWrites(ctx, s.querier(ctx), writes)
	})
}

func (s *Store) applyWrites(ctx context.Context, q querier, writes map[string]map[string][]byte) error {
	for namespace, kvs := range writes {
		for key, value := range kvs {
			if value == nil {
				if _, err := q.ExecContext(ctx,
					"DELETE FROM kv WHERE namespace = ? AND key = ?", namespace, key,
				); err != nil {
					return fmt.Errorf("kv: delete %s/%s: %w", namespace, key, err)
				}
				continue
			}
			if _, err := q.ExecContext(ctx,
				"INSERT OR REPLACE INTO kv (namespace, key, value) VALUES (?, ?, ?)",
				namespace, key, value,
			); err != nil {
				return fmt.Errorf("kv: set %s/%s: %w", namespace, key, err)
			}
		}
	}
	return nil
}

// Transaction runs fn atomically: every Get/Set performed with the ctx
// passed to fn is observed atomically by callers outside the transaction
// once it commits, and not at all if fn returns an error or the context is
// cancelled. Transactions may nest — if ctx already carries an active
// transaction, fn joins it instead of opening a new one.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv: begin transaction: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("kv: rollback after error failed", "error", rbErr, "cause", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv: commit transaction: %w", err)
	}
	return nil
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}
