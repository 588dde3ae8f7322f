// Package ledger persists the append-only record of applied migration
// steps inside the store itself, as the reserved quarry_migrations
// table. Records are keyed by step identifier, ordered by it, and never
// deleted; finalization updates a record's status in place. There is no
// reset path: wiping migration history is an administrative action
// outside this package's contract.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/store"
)

// TableName is the reserved ledger table. Schema descriptions must not
// declare a table with this name.
const TableName = "quarry_migrations"

const createTableSQL = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	step_id    TEXT PRIMARY KEY,
	checksum   TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('applying', 'applied', 'failed'))
)`

// Config holds configuration for a Ledger.
type Config struct {
	// Clock is the time source for applied_at stamps (default: wall clock).
	Clock clock.Clock
}

// Ledger reads and writes migration records. All methods operate within
// a caller-provided transaction so the executor can compose them with
// step work under the concurrency gate.
type Ledger struct {
	clock clock.Clock
}

// New creates a Ledger.
func New(cfg Config) *Ledger {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Ledger{clock: cfg.Clock}
}

// EnsureTable creates the reserved ledger table if it does not exist.
func (l *Ledger) EnsureTable(ctx context.Context, tx store.Tx) error {
	if err := tx.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create ledger table: %w", err)
	}
	return nil
}

// Lookup returns the record for a step identifier, if one exists.
func (l *Ledger) Lookup(ctx context.Context, tx store.Tx, stepID string) (quarry.MigrationRecord, bool, error) {
	rows, err := tx.Query(ctx,
		`SELECT step_id, checksum, applied_at, status FROM `+TableName+` WHERE step_id = ?`,
		stepID)
	if err != nil {
		return quarry.MigrationRecord{}, false, fmt.Errorf("failed to look up step %s: %w", stepID, err)
	}
	if len(rows) == 0 {
		return quarry.MigrationRecord{}, false, nil
	}
	rec, err := scanRecord(rows[0])
	if err != nil {
		return quarry.MigrationRecord{}, false, fmt.Errorf("failed to decode record for step %s: %w", stepID, err)
	}
	return rec, true, nil
}

// Begin appends a new record with status applying. The primary key on
// step_id guarantees no two records ever share an identifier.
func (l *Ledger) Begin(ctx context.Context, tx store.Tx, stepID, checksum string) error {
	err := tx.Exec(ctx,
		`INSERT INTO `+TableName+` (step_id, checksum, applied_at, status) VALUES (?, ?, ?, ?)`,
		stepID, checksum, l.clock.Now().UTC(), string(quarry.StatusApplying))
	if err != nil {
		return fmt.Errorf("failed to append applying record for step %s: %w", stepID, err)
	}
	return nil
}

// Reopen moves an existing record back to applying for an idempotent
// re-run after a crash or a failed attempt with a matching checksum.
func (l *Ledger) Reopen(ctx context.Context, tx store.Tx, stepID string) error {
	err := tx.Exec(ctx,
		`UPDATE `+TableName+` SET status = ?, applied_at = ? WHERE step_id = ?`,
		string(quarry.StatusApplying), l.clock.Now().UTC(), stepID)
	if err != nil {
		return fmt.Errorf("failed to reopen record for step %s: %w", stepID, err)
	}
	return nil
}

// Finalize moves a record to its terminal status.
func (l *Ledger) Finalize(ctx context.Context, tx store.Tx, stepID string, status quarry.StepStatus) error {
	if status != quarry.StatusApplied && status != quarry.StatusFailed {
		return fmt.Errorf("status %q is not terminal", status)
	}
	err := tx.Exec(ctx,
		`UPDATE `+TableName+` SET status = ?, applied_at = ? WHERE step_id = ?`,
		string(status), l.clock.Now().UTC(), stepID)
	if err != nil {
		return fmt.Errorf("failed to finalize record for step %s: %w", stepID, err)
	}
	return nil
}

// Records returns every ledger record in step-identifier order.
func (l *Ledger) Records(ctx context.Context, tx store.Tx) ([]quarry.MigrationRecord, error) {
	rows, err := tx.Query(ctx,
		`SELECT step_id, checksum, applied_at, status FROM `+TableName+` ORDER BY step_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger records: %w", err)
	}
	records := make([]quarry.MigrationRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := scanRecord(row)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ledger record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func scanRecord(row []any) (quarry.MigrationRecord, error) {
	if len(row) != 4 {
		return quarry.MigrationRecord{}, fmt.Errorf("expected 4 columns, got %d", len(row))
	}
	stepID, err := asString(row[0])
	if err != nil {
		return quarry.MigrationRecord{}, fmt.Errorf("step_id: %w", err)
	}
	checksum, err := asString(row[1])
	if err != nil {
		return quarry.MigrationRecord{}, fmt.Errorf("checksum: %w", err)
	}
	appliedAt, err := asTime(row[2])
	if err != nil {
		return quarry.MigrationRecord{}, fmt.Errorf("applied_at: %w", err)
	}
	status, err := asString(row[3])
	if err != nil {
		return quarry.MigrationRecord{}, fmt.Errorf("status: %w", err)
	}
	return quarry.MigrationRecord{
		StepID:    stepID,
		Checksum:  checksum,
		AppliedAt: appliedAt,
		Status:    quarry.StepStatus(status),
	}, nil
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", fmt.Errorf("unexpected value %T", v)
}

func asTime(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		return parseTime(ts)
	case []byte:
		return parseTime(string(ts))
	}
	return time.Time{}, fmt.Errorf("unexpected value %T", v)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
