package quarry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrLockTimeout indicates the write lock could not be acquired
	// within the caller-supplied retry policy. It is surfaced only
	// after the policy is exhausted; individual Busy responses are
	// retried internally by the gate.
	ErrLockTimeout = errors.New("write lock timeout")

	// ErrNonMonotonicVersion indicates the target schema version does
	// not strictly increase over the current one.
	ErrNonMonotonicVersion = errors.New("schema version must strictly increase")
)

// CyclicDependencyError is returned by planning when tables that all
// require a rebuild reference each other in a cycle. No steps are
// emitted alongside it.
type CyclicDependencyError struct {
	// Tables names every table participating in a reference cycle,
	// sorted for stable messages.
	Tables []string
}

// Error implements the error interface.
func (e *CyclicDependencyError) Error() string {
	tables := append([]string(nil), e.Tables...)
	sort.Strings(tables)
	return fmt.Sprintf("cyclic reference dependency among tables requiring rebuild: %s",
		strings.Join(tables, ", "))
}

// SchemaDriftError indicates a ledger record exists for a step id with
// a checksum that disagrees with the step as planned. The declared
// schema no longer agrees with migration history; the migration
// sequence aborts and an operator must intervene.
type SchemaDriftError struct {
	StepID         string
	LedgerChecksum string
	StepChecksum   string
}

// Error implements the error interface.
func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("schema drift on step %s: ledger checksum %s does not match planned checksum %s",
		e.StepID, e.LedgerChecksum, e.StepChecksum)
}

// ValidationError indicates a row violated a constraint while a step
// was applying. The step's transaction was rolled back and the original
// table is untouched. RowID is the violating row's identity when it
// could be determined, -1 otherwise.
type ValidationError struct {
	Table  string
	Column string
	RowID  int64
	Cause  error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed on table %q", e.Table)
	if e.Column != "" {
		fmt.Fprintf(&b, " column %q", e.Column)
	}
	if e.RowID >= 0 {
		fmt.Fprintf(&b, " (row %d)", e.RowID)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying storage error, if any.
func (e *ValidationError) Unwrap() error { return e.Cause }
