// Package postgres implements store.Conn on a PostgreSQL database using
// lib/pq. It exists for deployments that migrate a server-hosted schema
// with the same planner and rebuild protocol as the embedded store; the
// single-writer discipline is emulated with a transaction-scoped
// advisory lock so BeginWrite fails fast with ErrBusy instead of
// queueing behind another writer.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/quarrydb/quarry/store"
)

// lockKey is the advisory lock key that serializes writers. All
// connections migrating the same database contend on this one key.
const lockKey = 0x71726d67 // "qrmg"

// Options configures a PostgreSQL-backed store.
type Options struct {
	// DB is an open database handle (required).
	DB *sql.DB

	// Durability selects the commit flush policy (default: full).
	// Normal maps to synchronous_commit=off for the write session.
	Durability store.DurabilityMode
}

// Store is a PostgreSQL-backed store.Conn.
type Store struct {
	db         *sql.DB
	durability store.DurabilityMode
}

// Compile-time check that Store implements store.Conn.
var _ store.Conn = (*Store)(nil)

// New creates a PostgreSQL store over an open database handle.
func New(opts Options) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if opts.Durability == "" {
		opts.Durability = store.DurabilityFull
	}
	if !opts.Durability.Valid() {
		return nil, fmt.Errorf("unknown durability mode %q", opts.Durability)
	}
	return &Store{db: opts.DB, durability: opts.Durability}, nil
}

// BeginRead starts a snapshot read transaction.
func (s *Store) BeginRead(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, mapErr(err)
	}
	return &pgTx{tx: tx}, nil
}

// BeginWrite starts a write transaction holding the writer advisory
// lock, or fails immediately with ErrBusy if another writer holds it.
func (s *Store) BeginWrite(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}

	if s.durability == store.DurabilityNormal {
		if _, err := tx.ExecContext(ctx, "SET LOCAL synchronous_commit = off"); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to relax commit durability: %w", err)
		}
	}

	var acquired bool
	if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockKey).Scan(&acquired); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to acquire writer lock: %w", mapErr(err))
	}
	if !acquired {
		_ = tx.Rollback()
		return nil, fmt.Errorf("%w: writer advisory lock held", store.ErrBusy)
	}

	return &pgTx{tx: tx}, nil
}

// Dialect reports the PostgreSQL flavor.
func (s *Store) Dialect() store.Dialect { return store.DialectPostgres }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx   *sql.Tx
	done bool
}

// Exec runs a statement that returns no rows.
func (t *pgTx) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, rebind(stmt), args...); err != nil {
		return mapErr(err)
	}
	return nil
}

// Query runs a statement and returns its raw result rows.
func (t *pgTx) Query(ctx context.Context, stmt string, args ...any) (_ [][]any, err error) {
	rows, err := t.tx.QueryContext(ctx, rebind(stmt), args...)
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

// Commit commits the transaction, releasing the writer advisory lock.
func (t *pgTx) Commit() error {
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// Rollback discards the transaction. After Commit it is a no-op.
func (t *pgTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return mapErr(err)
	}
	return nil
}

// rebind rewrites `?` placeholders to PostgreSQL's $n form. Quoted
// regions are left untouched.
func rebind(stmt string) string {
	var b strings.Builder
	b.Grow(len(stmt) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			b.WriteByte(c)
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case c == '?':
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// mapErr translates driver errors into the store package's sentinels.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "55P03" || pqErr.Code == "40001" || pqErr.Code == "40P01":
			// lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", store.ErrBusy, err)
		case pqErr.Code.Class() == "23":
			return fmt.Errorf("%w: %v", store.ErrConstraint, err)
		}
	}
	return err
}
