package quarry

import "time"

// LogicalType is the closed set of column types the engine understands.
// Every (from, to) pair has a total conversion rule used by the rebuild
// row-copy step; see the executor package.
type LogicalType string

const (
	// TypeInteger is a signed 64-bit integer column.
	TypeInteger LogicalType = "integer"

	// TypeReal is a 64-bit floating point column.
	TypeReal LogicalType = "real"

	// TypeText is a UTF-8 text column.
	TypeText LogicalType = "text"

	// TypeBlob is an opaque byte-string column.
	TypeBlob LogicalType = "blob"

	// TypeBoolean is a 0/1 column.
	TypeBoolean LogicalType = "boolean"

	// TypeTimestamp is a point-in-time column.
	TypeTimestamp LogicalType = "timestamp"
)

// Valid reports whether t is one of the declared logical types.
func (t LogicalType) Valid() bool {
	switch t {
	case TypeInteger, TypeReal, TypeText, TypeBlob, TypeBoolean, TypeTimestamp:
		return true
	}
	return false
}

// ColumnDescriptor describes a single column of a table.
type ColumnDescriptor struct {
	// Name is the column name.
	Name string

	// Type is the column's logical type.
	Type LogicalType

	// Nullable reports whether the column accepts NULL.
	Nullable bool

	// Default is the column's default value, rendered per Type
	// (quoted for text and timestamp, literal otherwise). Nil means
	// no default.
	Default *string `json:",omitempty"`

	// RenamedFrom carries a rename hint: the name this column had in
	// the previous schema version. Snapshot diffing cannot distinguish
	// a rename from a drop-plus-add, so the schema author marks the
	// renamed column explicitly.
	RenamedFrom string `json:",omitempty"`
}

// IndexDescriptor describes a secondary index on a table.
type IndexDescriptor struct {
	// Name is the index name, unique within the store.
	Name string

	// Columns are the indexed columns, in order.
	Columns []string

	// Unique reports whether the index enforces uniqueness.
	Unique bool
}

// ConstraintKind identifies the kind of a table constraint.
type ConstraintKind string

const (
	// ConstraintPrimaryKey is a primary key over one or more columns.
	ConstraintPrimaryKey ConstraintKind = "primary_key"

	// ConstraintUnique is a uniqueness constraint over one or more columns.
	ConstraintUnique ConstraintKind = "unique"

	// ConstraintForeignKey is a reference to columns of another table.
	ConstraintForeignKey ConstraintKind = "foreign_key"

	// ConstraintCheck is an arbitrary boolean expression constraint.
	ConstraintCheck ConstraintKind = "check"
)

// ConstraintDescriptor describes a table constraint.
type ConstraintDescriptor struct {
	// Name is the constraint name, unique within the table.
	Name string

	// Kind is the constraint kind.
	Kind ConstraintKind

	// Columns are the constrained columns. Unused for check constraints.
	Columns []string `json:",omitempty"`

	// RefTable is the referenced table for foreign keys.
	RefTable string `json:",omitempty"`

	// RefColumns are the referenced columns for foreign keys.
	RefColumns []string `json:",omitempty"`

	// Expr is the boolean expression for check constraints.
	Expr string `json:",omitempty"`
}

// TableDescriptor describes the full structure of one table: its name,
// ordered columns, indices, and constraints.
type TableDescriptor struct {
	Name        string
	Columns     []ColumnDescriptor
	Indexes     []IndexDescriptor      `json:",omitempty"`
	Constraints []ConstraintDescriptor `json:",omitempty"`
}

// Column returns the column with the given name, if present.
func (t TableDescriptor) Column(name string) (ColumnDescriptor, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDescriptor{}, false
}

// Index returns the index with the given name, if present.
func (t TableDescriptor) Index(name string) (IndexDescriptor, bool) {
	for _, ix := range t.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexDescriptor{}, false
}

// References returns the names of tables this table references through
// foreign key constraints, excluding self-references, without duplicates.
func (t TableDescriptor) References() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, c := range t.Constraints {
		if c.Kind != ConstraintForeignKey || c.RefTable == "" || c.RefTable == t.Name {
			continue
		}
		if !seen[c.RefTable] {
			seen[c.RefTable] = true
			refs = append(refs, c.RefTable)
		}
	}
	return refs
}

// SchemaVersion is an immutable snapshot of the store's logical shape.
// IDs are assigned by the schema-description collaborator and must
// strictly increase between successive versions.
type SchemaVersion struct {
	// ID is the monotonically increasing version identifier.
	ID int64

	// Tables are the table structures of this version.
	Tables []TableDescriptor
}

// Table returns the table with the given name, if present.
func (s SchemaVersion) Table(name string) (TableDescriptor, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableDescriptor{}, false
}

// StepStatus is the ledger-visible lifecycle state of a migration step.
type StepStatus string

const (
	// StatusApplying indicates the step's work has started but not been
	// finalized. Found on restart, it marks a crashed attempt whose
	// transactional work the engine already rolled back.
	StatusApplying StepStatus = "applying"

	// StatusApplied indicates the step completed successfully.
	StatusApplied StepStatus = "applied"

	// StatusFailed indicates the step aborted; the store is unchanged.
	StatusFailed StepStatus = "failed"
)

// MigrationRecord is one row of the migration ledger.
type MigrationRecord struct {
	// StepID identifies the migration step this record belongs to.
	StepID string

	// Checksum is the content checksum of the step as planned.
	Checksum string

	// AppliedAt is when the record was last written.
	AppliedAt time.Time

	// Status is the step's lifecycle state.
	Status StepStatus
}
