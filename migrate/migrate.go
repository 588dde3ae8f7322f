// Package migrate composes the planner, executor, ledger, and
// concurrency gate into a single entry point: hand it two schema
// versions and a store, and it takes the store from one to the other.
package migrate

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/executor"
	"github.com/quarrydb/quarry/gate"
	"github.com/quarrydb/quarry/ledger"
	"github.com/quarrydb/quarry/planner"
	"github.com/quarrydb/quarry/store"
)

// Config holds configuration for a Migrator.
type Config struct {
	// Store is the storage connection to migrate (required).
	Store store.Conn

	// Policy is the write-lock retry policy (required, no default).
	Policy gate.RetryPolicy

	// Clock is the time source (default: wall clock).
	Clock clock.Clock

	// Logger is for observability (optional).
	Logger *zerolog.Logger
}

// Migrator plans and applies schema migrations against one store.
type Migrator struct {
	gate     *gate.Gate
	executor *executor.Executor
	ledger   *ledger.Ledger
}

// New creates a Migrator.
func New(cfg Config) (*Migrator, error) {
	g, err := gate.New(gate.Config{
		Store:  cfg.Store,
		Policy: cfg.Policy,
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gate: %w", err)
	}
	l := ledger.New(ledger.Config{Clock: cfg.Clock})
	e, err := executor.New(executor.Config{
		Gate:    g,
		Ledger:  l,
		Dialect: cfg.Store.Dialect(),
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	return &Migrator{gate: g, executor: e, ledger: l}, nil
}

// Plan returns the ordered steps from the old version to the new one
// without touching the store.
func (m *Migrator) Plan(oldVersion, newVersion quarry.SchemaVersion) ([]quarry.Step, error) {
	return planner.Plan(oldVersion, newVersion)
}

// Migrate plans the steps from the old version to the new one and
// applies them, returning the records finalized during this run.
func (m *Migrator) Migrate(ctx context.Context, oldVersion, newVersion quarry.SchemaVersion) ([]quarry.MigrationRecord, error) {
	steps, err := planner.Plan(oldVersion, newVersion)
	if err != nil {
		return nil, err
	}
	return m.executor.Apply(ctx, steps)
}

// Apply applies externally planned steps, for callers that persist or
// review plans before running them.
func (m *Migrator) Apply(ctx context.Context, steps []quarry.Step) ([]quarry.MigrationRecord, error) {
	return m.executor.Apply(ctx, steps)
}

// History returns every ledger record in step-identifier order.
func (m *Migrator) History(ctx context.Context) ([]quarry.MigrationRecord, error) {
	var records []quarry.MigrationRecord
	err := m.gate.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		records, err = m.ledger.Records(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
