// Package sqlite implements store.Conn on a single-file SQLite store
// using mattn/go-sqlite3. The store runs in WAL mode so readers observe
// a consistent snapshot without blocking the single writer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/mattn/go-sqlite3"

	"github.com/quarrydb/quarry/store"
)

// Options configures an embedded store file.
type Options struct {
	// Path is the store file path (required).
	Path string

	// Durability selects the commit flush policy for the whole store
	// (default: full).
	Durability store.DurabilityMode
}

// Store is a SQLite-backed store.Conn. It keeps two database handles:
// the writer handle issues BEGIN IMMEDIATE with a zero busy timeout so
// write-lock conflicts surface as ErrBusy instead of queueing, and the
// reader handle issues deferred transactions that read the WAL snapshot.
type Store struct {
	writer *sql.DB
	reader *sql.DB
}

// Compile-time check that Store implements store.Conn.
var _ store.Conn = (*Store)(nil)

// Open opens (creating if necessary) the store file.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Durability == "" {
		opts.Durability = store.DurabilityFull
	}
	if !opts.Durability.Valid() {
		return nil, fmt.Errorf("unknown durability mode %q", opts.Durability)
	}

	synchronous := "FULL"
	if opts.Durability == store.DurabilityNormal {
		synchronous = "NORMAL"
	}

	writer, err := sql.Open("sqlite3", dsn(opts.Path, synchronous, true))
	if err != nil {
		return nil, fmt.Errorf("failed to open writer handle: %w", err)
	}
	// The single writer lock lives in SQLite itself; a second pooled
	// connection on this handle would only manufacture Busy conflicts
	// against ourselves.
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", dsn(opts.Path, synchronous, false))
	if err != nil {
		closeErr := writer.Close()
		return nil, errors.Join(fmt.Errorf("failed to open reader handle: %w", err), closeErr)
	}

	return &Store{writer: writer, reader: reader}, nil
}

func dsn(path, synchronous string, immediate bool) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "0")
	q.Set("_foreign_keys", "1")
	q.Set("_synchronous", synchronous)
	if immediate {
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

// BeginRead starts a deferred snapshot transaction.
func (s *Store) BeginRead(ctx context.Context) (store.Tx, error) {
	tx, err := s.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, mapErr(err)
	}
	return &sqliteTx{tx: tx}, nil
}

// BeginWrite starts the store's single write transaction. With a zero
// busy timeout, BEGIN IMMEDIATE fails with ErrBusy at once if another
// writer holds the lock.
func (s *Store) BeginWrite(ctx context.Context) (store.Tx, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Dialect reports the SQLite flavor.
func (s *Store) Dialect() store.Dialect { return store.DialectSQLite }

// Close releases both database handles.
func (s *Store) Close() error {
	return errors.Join(s.writer.Close(), s.reader.Close())
}

type sqliteTx struct {
	tx   *sql.Tx
	done bool
}

// Exec runs a statement that returns no rows.
func (t *sqliteTx) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, stmt, args...); err != nil {
		return mapErr(err)
	}
	return nil
}

// Query runs a statement and returns its raw result rows.
func (t *sqliteTx) Query(ctx context.Context, stmt string, args ...any) (_ [][]any, err error) {
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// Commit commits the transaction, mapping a commit-time lock conflict
// to ErrBusy.
func (t *sqliteTx) Commit() error {
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// Rollback discards the transaction. After Commit it is a no-op.
func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return mapErr(err)
	}
	return nil
}

// mapErr translates driver errors into the store package's sentinels.
func mapErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", store.ErrBusy, err)
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", store.ErrConstraint, err)
		}
	}
	return err
}
