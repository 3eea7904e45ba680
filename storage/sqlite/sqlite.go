// Package sqlite implements storage.Repository on a single SQLite table using
// the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/keystate/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	scope TEXT NOT NULL,
	key   TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (scope, key)
)`

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (or creates) the SQLite database at dsn and ensures the schema exists.
// A single connection is used so that ":memory:" databases behave as one store
// and writes are serialized.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating kv table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, db execer, scope, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (scope, key, value) VALUES (?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value
	`, scope, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", scope, key, err)
	}
	return nil
}

func del(ctx context.Context, db execer, scope, key string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM kv WHERE scope = ? AND key = ?`, scope, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", scope, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", scope, key, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Put(scope, key string, value []byte) error {
	return put(context.Background(), s.db, scope, key, value)
}

func (s *Store) Get(scope, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(context.Background(),
		`SELECT value FROM kv WHERE scope = ? AND key = ?`, scope, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", scope, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", scope, key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *Store) Delete(scope, key string) error {
	return del(context.Background(), s.db, scope, key)
}

func (s *Store) List(scope string) ([]string, error) {
	return s.strings(`SELECT key FROM kv WHERE scope = ? ORDER BY key`, scope)
}

func (s *Store) Scopes() ([]string, error) {
	return s.strings(`SELECT DISTINCT scope FROM kv ORDER BY scope`)
}

func (s *Store) strings(query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteScope(scope string) error {
	_, err := s.db.ExecContext(context.Background(), `DELETE FROM kv WHERE scope = ?`, scope)
	if err != nil {
		return fmt.Errorf("failed to delete scope %s: %w", scope, err)
	}
	return nil
}

type sqliteBatchTx struct {
	ctx   context.Context
	tx    *sql.Tx
	scope string
}

func (b *sqliteBatchTx) Put(key string, value []byte) error {
	return put(b.ctx, b.tx, b.scope, key, value)
}

func (b *sqliteBatchTx) Delete(key string) error {
	return del(b.ctx, b.tx, b.scope, key)
}

// Batch runs fn inside a SQL transaction, rolling back if fn fails.
func (s *Store) Batch(scope string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&sqliteBatchTx{ctx: ctx, tx: tx, scope: scope}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
