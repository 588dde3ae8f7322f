package quarry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StepKind identifies the variant of a migration step.
type StepKind string

const (
	// StepAddColumn adds a column to an existing table in place.
	StepAddColumn StepKind = "add_column"

	// StepDropColumn drops a column from an existing table in place.
	StepDropColumn StepKind = "drop_column"

	// StepRenameColumn renames a column. Not in-place-executable for
	// this engine class; the planner folds renames into a rebuild.
	StepRenameColumn StepKind = "rename_column"

	// StepChangeColumnType changes a column's logical type. Not
	// in-place-executable for this engine class; the planner folds
	// type changes into a rebuild.
	StepChangeColumnType StepKind = "change_column_type"

	// StepAddIndex creates an index in place.
	StepAddIndex StepKind = "add_index"

	// StepDropIndex drops an index in place.
	StepDropIndex StepKind = "drop_index"

	// StepCreateTable creates a table that is new in this version.
	StepCreateTable StepKind = "create_table"

	// StepDropTable drops a table absent from this version.
	StepDropTable StepKind = "drop_table"

	// StepRebuildTable replaces a table through the shadow-copy-swap
	// protocol, carrying the full old and new descriptors and an
	// explicit column projection.
	StepRebuildTable StepKind = "rebuild_table"
)

// ColumnMapping maps one column of the rebuilt table to its source.
// An empty Old means the column is newly introduced and is populated
// from its declared default (or NULL if nullable without one).
type ColumnMapping struct {
	New string
	Old string `json:",omitempty"`
}

// RebuildSpec carries everything a RebuildTable step needs: the table's
// descriptor before and after, and the explicit old-to-new projection
// used for the row copy. Every row of the old table not explicitly
// dropped must survive the rebuild through this projection.
type RebuildSpec struct {
	Old        TableDescriptor
	New        TableDescriptor
	Projection []ColumnMapping
}

// Validate checks the projection against the old and new descriptors:
// every new column must appear exactly once, every mapped source must
// exist in the old table, and a non-nullable new column must either map
// from an old column or declare a default.
func (r RebuildSpec) Validate() error {
	mapped := make(map[string]ColumnMapping, len(r.Projection))
	for _, m := range r.Projection {
		if _, dup := mapped[m.New]; dup {
			return fmt.Errorf("projection maps column %q twice", m.New)
		}
		if _, ok := r.New.Column(m.New); !ok {
			return fmt.Errorf("projection targets unknown column %q", m.New)
		}
		if m.Old != "" {
			if _, ok := r.Old.Column(m.Old); !ok {
				return fmt.Errorf("projection source %q not in old table %q", m.Old, r.Old.Name)
			}
		}
		mapped[m.New] = m
	}
	for _, c := range r.New.Columns {
		m, ok := mapped[c.Name]
		if !ok {
			return fmt.Errorf("projection missing target for column %q", c.Name)
		}
		if m.Old == "" && !c.Nullable && c.Default == nil {
			return fmt.Errorf("column %q is not nullable, has no default, and no source mapping", c.Name)
		}
	}
	return nil
}

// Step is a single planned schema change, tagged by Kind. Only the
// fields relevant to the kind are populated.
type Step struct {
	// ID orders steps within and across schema versions. The planner
	// assigns zero-padded identifiers so lexicographic order equals
	// application order.
	ID string

	// Kind selects the variant.
	Kind StepKind

	// Table is the affected table.
	Table string

	// Column is the added column for add_column.
	Column *ColumnDescriptor `json:",omitempty"`

	// ColumnName is the dropped column for drop_column.
	ColumnName string `json:",omitempty"`

	// OldName and NewName are the rename pair for rename_column.
	OldName string `json:",omitempty"`
	NewName string `json:",omitempty"`

	// NewType is the target type for change_column_type.
	NewType LogicalType `json:",omitempty"`

	// Index is the index for add_index.
	Index *IndexDescriptor `json:",omitempty"`

	// IndexName is the dropped index for drop_index.
	IndexName string `json:",omitempty"`

	// Create is the table descriptor for create_table.
	Create *TableDescriptor `json:",omitempty"`

	// Rebuild is the rebuild specification for rebuild_table.
	Rebuild *RebuildSpec `json:",omitempty"`
}

// Checksum returns the content checksum of the step: the SHA-256 of its
// canonical JSON encoding, hex-encoded. Two steps with the same checksum
// describe the same change; a ledger record whose checksum disagrees
// with the planned step signals schema drift.
func (s Step) Checksum() string {
	raw, err := json.Marshal(s)
	if err != nil {
		// Step contains only marshalable fields; this cannot happen
		// for values constructed through the planner.
		panic(fmt.Sprintf("quarry: marshal step %s: %v", s.ID, err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
