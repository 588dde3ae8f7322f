// Package store defines the abstract storage-connection capability the
// migration core runs against: transactional statement execution with an
// explicit Busy signal on write-lock conflict. Backends live in the
// sqlite, postgres, and memory subpackages.
package store

import (
	"context"
	"errors"
)

// ErrBusy signals a write-lock conflict: another writer holds the
// store's single writer lock. Busy is retryable; the gate package
// retries it per the caller-supplied policy and callers outside the
// gate should treat it the same way.
var ErrBusy = errors.New("store busy")

// ErrConstraint signals that a statement violated a table constraint.
// Backends wrap their driver's constraint errors with this sentinel so
// the executor can classify copy-step failures without knowing the
// engine.
var ErrConstraint = errors.New("constraint violation")

// Dialect identifies the SQL flavor a backend speaks. The DDL builder
// selects type names, literal forms, and conversion expressions by it.
type Dialect string

const (
	// DialectSQLite is the embedded single-file engine's flavor.
	DialectSQLite Dialect = "sqlite"

	// DialectPostgres is the PostgreSQL flavor.
	DialectPostgres Dialect = "postgres"
)

// Valid reports whether d is a declared dialect.
func (d Dialect) Valid() bool {
	return d == DialectSQLite || d == DialectPostgres
}

// DurabilityMode selects how eagerly commits reach stable storage.
// The mode is a store-wide setting chosen at open time, not negotiable
// per transaction.
type DurabilityMode string

const (
	// DurabilityFull flushes every commit to stable storage before
	// returning. Survives abrupt power loss.
	DurabilityFull DurabilityMode = "full"

	// DurabilityNormal defers flushing for throughput, accepting a
	// bounded data-loss window on abrupt power loss.
	DurabilityNormal DurabilityMode = "normal"
)

// Valid reports whether m is a declared durability mode.
func (m DurabilityMode) Valid() bool {
	return m == DurabilityFull || m == DurabilityNormal
}

// Tx is a single transaction against the store. Statements use `?`
// placeholders; backends whose dialect differs rewrite them.
type Tx interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, stmt string, args ...any) error

	// Query runs a statement and returns its result rows as raw
	// driver values, one slice per row.
	Query(ctx context.Context, stmt string, args ...any) ([][]any, error)

	// Commit makes the transaction's effects visible atomically.
	// A Busy conflict at commit time is reported as ErrBusy.
	Commit() error

	// Rollback discards the transaction. Safe to call after Commit;
	// it is then a no-op.
	Rollback() error
}

// Conn is an open connection to a store. Implementations must uphold
// single-writer/multi-reader discipline: at most one write transaction
// is active at a time, and BeginWrite fails fast with ErrBusy rather
// than queueing behind the active writer. Read transactions observe a
// consistent snapshot and neither block nor are blocked by the writer.
type Conn interface {
	// BeginRead starts a snapshot read transaction.
	BeginRead(ctx context.Context) (Tx, error)

	// BeginWrite starts the store's single write transaction, or
	// fails immediately with ErrBusy if another writer holds it.
	BeginWrite(ctx context.Context) (Tx, error)

	// Dialect reports the SQL flavor this backend speaks.
	Dialect() Dialect

	// Close releases the connection.
	Close() error
}
