// Package executor applies planned migration steps to the store. Each
// step runs a Pending -> Applying -> {Applied, Failed} state machine
// recorded in the ledger, with the step's structural work executing as
// one atomic write transaction acquired from the concurrency gate.
// Incompatible changes go through the shadow-table rebuild protocol, so
// a reader only ever observes the pre-rebuild or post-rebuild table.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/gate"
	"github.com/quarrydb/quarry/ledger"
	"github.com/quarrydb/quarry/metrics"
	"github.com/quarrydb/quarry/store"
)

// Config holds configuration for an Executor.
type Config struct {
	// Gate serializes the executor's write transactions (required).
	Gate *gate.Gate

	// Ledger records step outcomes (required).
	Ledger *ledger.Ledger

	// Dialect selects the SQL flavor of the generated DDL. It must
	// match the store behind the gate (default: sqlite).
	Dialect store.Dialect

	// Clock is the time source for durations and record stamps
	// (default: wall clock).
	Clock clock.Clock

	// Logger is for observability (optional).
	Logger *zerolog.Logger
}

// Executor applies migration steps in order, strictly one after another.
type Executor struct {
	gate    *gate.Gate
	ledger  *ledger.Ledger
	dialect store.Dialect
	clock   clock.Clock
	logger  zerolog.Logger
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Gate == nil {
		return nil, fmt.Errorf("gate cannot be nil")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if cfg.Dialect == "" {
		cfg.Dialect = store.DialectSQLite
	}
	if !cfg.Dialect.Valid() {
		return nil, fmt.Errorf("unknown dialect %q", cfg.Dialect)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Executor{
		gate:    cfg.Gate,
		ledger:  cfg.Ledger,
		dialect: cfg.Dialect,
		clock:   cfg.Clock,
		logger:  logger,
	}, nil
}

// Apply runs the steps in order and returns the records it finalized,
// in application order, excluding idempotent skips. The first error
// stops the sequence; records finalized before the failure are still
// returned. Cancellation is honored between steps only: a step already
// inside its transaction runs to completion.
func (e *Executor) Apply(ctx context.Context, steps []quarry.Step) ([]quarry.MigrationRecord, error) {
	err := e.gate.Write(ctx, func(ctx context.Context, tx store.Tx) error {
		return e.ledger.EnsureTable(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure ledger table: %w", err)
	}

	var finalized []quarry.MigrationRecord
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return finalized, err
		}
		record, skipped, err := e.applyStep(ctx, step)
		if err != nil {
			return finalized, fmt.Errorf("step %s: %w", step.ID, err)
		}
		if skipped {
			metrics.StepsSkippedTotal.WithLabelValues(string(step.Kind)).Inc()
			e.logger.Info().Str("step", step.ID).Msg("step already applied, skipping")
			continue
		}
		finalized = append(finalized, record)
	}
	return finalized, nil
}

// applyStep runs one step through its state machine. The Applying
// record commits in its own transaction before the work begins, so a
// crash leaves a marker. The work and the Applied status commit
// together in one atomic transaction: the ledger lives in the same
// store, so there is no window in which committed work sits behind an
// Applying record. A restart that finds an Applying record therefore
// re-runs the whole step from scratch, which is safe because the
// crashed attempt's transaction, work and status both, was rolled back
// by the engine. Only the Failed marker commits separately, after its
// work transaction has already rolled back.
func (e *Executor) applyStep(ctx context.Context, step quarry.Step) (quarry.MigrationRecord, bool, error) {
	checksum := step.Checksum()

	var existing *quarry.MigrationRecord
	err := e.gate.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		record, ok, err := e.ledger.Lookup(ctx, tx, step.ID)
		if err != nil {
			return err
		}
		if ok {
			existing = &record
		}
		return nil
	})
	if err != nil {
		return quarry.MigrationRecord{}, false, err
	}

	if existing != nil {
		if existing.Checksum != checksum {
			return quarry.MigrationRecord{}, false, &quarry.SchemaDriftError{
				StepID:         step.ID,
				LedgerChecksum: existing.Checksum,
				StepChecksum:   checksum,
			}
		}
		if existing.Status == quarry.StatusApplied {
			return *existing, true, nil
		}
		// Applying marks a crashed attempt; Failed a previous abort.
		// With the checksum matching, re-running is idempotent.
		e.logger.Info().
			Str("step", step.ID).
			Str("status", string(existing.Status)).
			Msg("re-running step with existing ledger record")
	}

	err = e.gate.Write(ctx, func(ctx context.Context, tx store.Tx) error {
		if existing == nil {
			return e.ledger.Begin(ctx, tx, step.ID, checksum)
		}
		return e.ledger.Reopen(ctx, tx, step.ID)
	})
	if err != nil {
		return quarry.MigrationRecord{}, false, err
	}

	stepErr := e.gate.Write(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := e.execute(ctx, tx, step); err != nil {
			return err
		}
		return e.ledger.Finalize(ctx, tx, step.ID, quarry.StatusApplied)
	})
	if stepErr != nil {
		metrics.StepsTotal.WithLabelValues(string(step.Kind), string(quarry.StatusFailed)).Inc()
		if err := e.gate.Write(ctx, func(ctx context.Context, tx store.Tx) error {
			return e.ledger.Finalize(ctx, tx, step.ID, quarry.StatusFailed)
		}); err != nil {
			e.logger.Error().Str("step", step.ID).Err(err).Msg("failed to record step failure")
		}
		e.logger.Error().Str("step", step.ID).Err(stepErr).Msg("step failed, store unchanged")
		return quarry.MigrationRecord{}, false, stepErr
	}
	metrics.StepsTotal.WithLabelValues(string(step.Kind), string(quarry.StatusApplied)).Inc()

	e.logger.Info().Str("step", step.ID).Str("kind", string(step.Kind)).Msg("step applied")
	return quarry.MigrationRecord{
		StepID:    step.ID,
		Checksum:  checksum,
		AppliedAt: e.clock.Now().UTC(),
		Status:    quarry.StatusApplied,
	}, false, nil
}

// execute performs the step's structural work inside tx.
func (e *Executor) execute(ctx context.Context, tx store.Tx, step quarry.Step) error {
	switch step.Kind {
	case quarry.StepAddColumn:
		if step.Column == nil {
			return fmt.Errorf("add_column step has no column")
		}
		return e.execOne(ctx, tx, step, func() (string, error) {
			return addColumnSQL(e.dialect, step.Table, *step.Column)
		})

	case quarry.StepDropColumn:
		return e.execOne(ctx, tx, step, func() (string, error) {
			return dropColumnSQL(step.Table, step.ColumnName)
		})

	case quarry.StepAddIndex:
		if step.Index == nil {
			return fmt.Errorf("add_index step has no index")
		}
		return e.execOne(ctx, tx, step, func() (string, error) {
			return createIndexSQL(step.Table, *step.Index)
		})

	case quarry.StepDropIndex:
		return e.execOne(ctx, tx, step, func() (string, error) {
			return dropIndexSQL(step.IndexName)
		})

	case quarry.StepCreateTable:
		if step.Create == nil {
			return fmt.Errorf("create_table step has no descriptor")
		}
		if err := e.execOne(ctx, tx, step, func() (string, error) {
			return createTableSQL(e.dialect, *step.Create, step.Create.Name)
		}); err != nil {
			return err
		}
		for _, ix := range step.Create.Indexes {
			stmt, err := createIndexSQL(step.Create.Name, ix)
			if err != nil {
				return err
			}
			if err := tx.Exec(ctx, stmt); err != nil {
				return e.classify(step, err)
			}
		}
		return nil

	case quarry.StepDropTable:
		return e.execOne(ctx, tx, step, func() (string, error) {
			return dropTableSQL(step.Table)
		})

	case quarry.StepRebuildTable:
		return e.rebuild(ctx, tx, step)

	case quarry.StepRenameColumn, quarry.StepChangeColumnType:
		return fmt.Errorf("step kind %s cannot run in place on this engine; plan a table rebuild", step.Kind)
	}
	return fmt.Errorf("unknown step kind %q", step.Kind)
}

func (e *Executor) execOne(ctx context.Context, tx store.Tx, step quarry.Step, build func() (string, error)) error {
	stmt, err := build()
	if err != nil {
		return err
	}
	if err := tx.Exec(ctx, stmt); err != nil {
		return e.classify(step, err)
	}
	return nil
}

// classify wraps constraint violations as ValidationError; everything
// else propagates unmodified (Busy included, for the gate to retry).
func (e *Executor) classify(step quarry.Step, err error) error {
	if errors.Is(err, store.ErrConstraint) {
		return &quarry.ValidationError{Table: step.Table, RowID: -1, Cause: err}
	}
	return err
}

// rebuild runs the five-phase shadow-table protocol inside tx: create
// the shadow under a collision-free name, copy every surviving row
// through the explicit projection, drop the original, rename the
// shadow, recreate indices. The caller's transaction makes the whole
// sequence atomic; a failed copy leaves the original untouched.
func (e *Executor) rebuild(ctx context.Context, tx store.Tx, step quarry.Step) error {
	spec := step.Rebuild
	if spec == nil {
		return fmt.Errorf("rebuild_table step has no spec")
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	start := e.clock.Now()

	// A fresh name per attempt keeps crash retries collision-free.
	shadow := shadowName(step.Table)
	if err := validateIdentifier(shadow, "shadow table name"); err != nil {
		return err
	}

	if err := e.probeNullViolations(ctx, tx, spec); err != nil {
		return err
	}

	createStmt, err := createTableSQL(e.dialect, spec.New, shadow)
	if err != nil {
		return err
	}
	if err := tx.Exec(ctx, createStmt); err != nil {
		return e.classify(step, err)
	}

	copyStmt, err := copySQL(e.dialect, spec, shadow)
	if err != nil {
		return err
	}
	if err := tx.Exec(ctx, copyStmt); err != nil {
		return e.classify(step, err)
	}

	dropStmt, err := dropTableSQL(spec.Old.Name)
	if err != nil {
		return err
	}
	if err := tx.Exec(ctx, dropStmt); err != nil {
		return e.classify(step, err)
	}

	renameStmt, err := renameTableSQL(shadow, spec.New.Name)
	if err != nil {
		return err
	}
	if err := tx.Exec(ctx, renameStmt); err != nil {
		return e.classify(step, err)
	}

	for _, ix := range spec.New.Indexes {
		stmt, err := createIndexSQL(spec.New.Name, ix)
		if err != nil {
			return err
		}
		if err := tx.Exec(ctx, stmt); err != nil {
			return e.classify(step, err)
		}
	}

	metrics.RebuildSeconds.WithLabelValues(step.Table).Observe(e.clock.Now().Sub(start).Seconds())
	e.logger.Debug().
		Str("table", step.Table).
		Str("shadow", shadow).
		Msg("table rebuilt")
	return nil
}

// probeNullViolations looks for rows that cannot satisfy a tightened
// NOT NULL before the copy, so the resulting ValidationError can name
// the violating row. The probe is diagnostic and uses rowid addressing,
// so it only runs on the sqlite dialect; elsewhere the copy itself
// enforces the constraint and row identity stays unknown. A query error
// other than Busy skips the probe the same way, but is logged.
func (e *Executor) probeNullViolations(ctx context.Context, tx store.Tx, spec *quarry.RebuildSpec) error {
	if e.dialect != store.DialectSQLite {
		return nil
	}
	for _, m := range spec.Projection {
		if m.Old == "" {
			continue
		}
		newCol, ok := spec.New.Column(m.New)
		if !ok || newCol.Nullable {
			continue
		}
		oldCol, ok := spec.Old.Column(m.Old)
		if !ok || !oldCol.Nullable {
			continue
		}
		rows, err := tx.Query(ctx,
			"SELECT rowid FROM "+quoteIdent(spec.Old.Name)+" WHERE "+quoteIdent(m.Old)+" IS NULL LIMIT 1")
		if err != nil {
			if errors.Is(err, store.ErrBusy) {
				return err
			}
			e.logger.Warn().
				Str("table", spec.Old.Name).
				Str("column", m.Old).
				Err(err).
				Msg("null check before rebuild copy skipped")
			continue
		}
		if len(rows) > 0 && len(rows[0]) > 0 {
			return &quarry.ValidationError{
				Table:  spec.New.Name,
				Column: m.New,
				RowID:  asRowID(rows[0][0]),
			}
		}
	}
	return nil
}

func asRowID(v any) int64 {
	switch id := v.(type) {
	case int64:
		return id
	case int:
		return int64(id)
	}
	return -1
}

// copySQL builds the projected row copy from the original table into
// the shadow. Mapped columns convert through the total conversion
// rules; introduced columns take their declared default, or NULL when
// nullable without one.
func copySQL(d store.Dialect, spec *quarry.RebuildSpec, shadow string) (string, error) {
	targets := make([]string, 0, len(spec.Projection))
	sources := make([]string, 0, len(spec.Projection))
	for _, m := range spec.Projection {
		newCol, ok := spec.New.Column(m.New)
		if !ok {
			return "", fmt.Errorf("projection targets unknown column %q", m.New)
		}
		targets = append(targets, quoteIdent(m.New))
		if m.Old != "" {
			oldCol, ok := spec.Old.Column(m.Old)
			if !ok {
				return "", fmt.Errorf("projection source %q not in old table", m.Old)
			}
			sources = append(sources, conversionExpr(d, quoteIdent(m.Old), oldCol.Type, newCol.Type))
			continue
		}
		if newCol.Default != nil {
			lit, err := defaultLiteral(d, newCol)
			if err != nil {
				return "", err
			}
			sources = append(sources, lit)
			continue
		}
		sources = append(sources, "NULL")
	}
	return "INSERT INTO " + quoteIdent(shadow) + " (" + strings.Join(targets, ", ") + ")\n" +
		"SELECT " + strings.Join(sources, ", ") + " FROM " + quoteIdent(spec.Old.Name), nil
}

func shadowName(table string) string {
	return table + "_shadow_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
