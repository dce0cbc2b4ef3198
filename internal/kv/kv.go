// Package kv implements the ordered byte-key substrate (spec §4.1, C1)
// that every other component is built on. It is backed by a single
// SQLite table, following the teacher's (untoldecay-BeadsLog) posture of
// using one embedded, cgo-free SQLite file
// (github.com/ncruces/go-sqlite3 over github.com/tetratelabs/wazero) as
// the entire storage engine, rather than hand-rolling an LSM or B-tree.
// A BLOB primary key sorts by raw byte value, giving the ordered-key
// semantics (prefix scans, range reads) the rest of the system composes
// on top of (schemas, entities, indices, WAL entries, vector_map all
// live as rows in this one table, distinguished by key prefix per
// spec §3 "Keyspace").
package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/p8db/p8core/internal/perr"
)

// Store is an ordered byte-key key-value store with atomic multi-put.
type Store struct {
	db *sql.DB
}

// Op is a single mutation in a Batch call.
type Op struct {
	Key    []byte
	Value  []byte // ignored when Delete is set
	Delete bool
}

func PutOp(key, value []byte) Op  { return Op{Key: key, Value: value} }
func DeleteOp(key []byte) Op      { return Op{Key: key, Delete: true} }

// Open opens (creating if absent) the SQLite-backed KV store at path.
// path may be ":memory:" for an ephemeral, test-only store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &perr.IoError{Op: "open", Err: err}
	}
	// One open connection, so every read and write through this
	// *sql.DB is serialized on it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, &perr.IoError{Op: "pragma journal_mode", Err: err}
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		db.Close()
		return nil, &perr.IoError{Op: "pragma synchronous", Err: err}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key   BLOB PRIMARY KEY,
			value BLOB NOT NULL
		) WITHOUT ROWID;
	`)
	if err != nil {
		return &perr.IoError{Op: "migrate", Err: err}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for components (schema, entity,
// index, wal) that need to join their own writes into the same
// transaction as a kv batch. This mirrors the teacher's pattern of
// passing *sql.DB / *sql.Tx down into per-concern helper functions
// (internal/storage/sqlite/*.go) rather than hiding it behind an
// interface with one method per query.
func (s *Store) DB() *sql.DB { return s.db }

// Put writes a single key/value pair.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &perr.IoError{Op: "put", Err: err}
	}
	return nil
}

// Get reads a single key. ok is false if the key is absent.
func (s *Store) Get(ctx context.Context, key []byte) (value []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key)
	var v []byte
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, &perr.IoError{Op: "get", Err: err}
	}
	return v, true, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return &perr.IoError{Op: "delete", Err: err}
	}
	return nil
}

// prefixUpperBound returns the exclusive upper bound for a byte-prefix
// range scan: the smallest key strictly greater than every key with the
// given prefix. Returns ok=false if prefix is all 0xff (no finite bound
// exists; caller should scan to the end of the keyspace instead).
func prefixUpperBound(prefix []byte) (bound []byte, ok bool) {
	bound = append([]byte(nil), prefix...)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] != 0xff {
			bound[i]++
			return bound[:i+1], true
		}
	}
	return nil, false
}

// KV is one row returned by ScanPrefix.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanPrefix returns every row whose key starts with prefix, ordered by
// key ascending. Results are materialized (not a live cursor) so the
// caller can safely issue further kv calls while iterating, matching the
// teacher's query-then-scan-rows-into-slice idiom throughout
// internal/storage/sqlite/*.go.
func (s *Store) ScanPrefix(ctx context.Context, prefix []byte) ([]KV, error) {
	var rows *sql.Rows
	var err error
	if upper, ok := prefixUpperBound(prefix); ok {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix, upper)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, prefix)
	}
	if err != nil {
		return nil, &perr.IoError{Op: "scan_prefix", Err: err}
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, &perr.IoError{Op: "scan_prefix scan", Err: err}
		}
		out = append(out, KV{Key: k, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, &perr.IoError{Op: "scan_prefix rows", Err: err}
	}
	return out, nil
}

// Batch applies every op atomically: all succeed or none take effect.
// Higher components (entity + index + WAL + vector_map) compose their
// writes into one Batch call so a logical write is all-or-nothing
// (spec §4.1, invariant backing I1/I4).
func (s *Store) Batch(ctx context.Context, ops []Op) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return ApplyOps(ctx, tx, ops)
	})
}

// ApplyOps applies ops against an already-open transaction, for callers
// (entity store, index, WAL) that need to fold a kv batch into a larger
// transaction alongside their own statements.
func ApplyOps(ctx context.Context, tx *sql.Tx, ops []Op) error {
	for _, op := range ops {
		if op.Delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.Key); err != nil {
				return &perr.IoError{Op: "batch delete", Err: err}
			}
			continue
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, op.Key, op.Value)
		if err != nil {
			return &perr.IoError{Op: "batch put", Err: err}
		}
	}
	return nil
}

// WithTx runs fn inside a write transaction, committing on nil error and
// rolling back otherwise. Grounded on the teacher's withTx helper
// (internal/storage/sqlite/*.go) used throughout for atomic multi-step
// writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &perr.IoError{Op: "begin tx", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &perr.IoError{Op: "commit", Err: err}
	}
	return nil
}

var ErrNotFound = fmt.Errorf("kv: key not found")
