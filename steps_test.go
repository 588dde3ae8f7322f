package quarry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestChecksum_StableAcrossCalls(t *testing.T) {
	step := Step{
		ID:    "000002.001.add_column.users",
		Kind:  StepAddColumn,
		Table: "users",
		Column: &ColumnDescriptor{
			Name:     "email",
			Type:     TypeText,
			Nullable: false,
			Default:  strPtr(""),
		},
	}

	assert.Equal(t, step.Checksum(), step.Checksum())
}

func TestChecksum_ChangesWithContent(t *testing.T) {
	base := Step{
		ID:     "000002.001.add_column.users",
		Kind:   StepAddColumn,
		Table:  "users",
		Column: &ColumnDescriptor{Name: "email", Type: TypeText, Nullable: true},
	}
	changed := base
	changed.Column = &ColumnDescriptor{Name: "email", Type: TypeBlob, Nullable: true}

	assert.NotEqual(t, base.Checksum(), changed.Checksum())
}

func TestRebuildSpecValidate(t *testing.T) {
	oldTable := TableDescriptor{
		Name: "users",
		Columns: []ColumnDescriptor{
			{Name: "id", Type: TypeInteger},
			{Name: "name", Type: TypeText, Nullable: true},
		},
	}
	newTable := TableDescriptor{
		Name: "users",
		Columns: []ColumnDescriptor{
			{Name: "id", Type: TypeInteger},
			{Name: "email", Type: TypeText, Default: strPtr("")},
		},
	}

	tests := []struct {
		name       string
		projection []ColumnMapping
		wantErr    string
	}{
		{
			name:       "valid",
			projection: []ColumnMapping{{New: "id", Old: "id"}, {New: "email"}},
		},
		{
			name:       "duplicate target",
			projection: []ColumnMapping{{New: "id", Old: "id"}, {New: "id"}, {New: "email"}},
			wantErr:    "twice",
		},
		{
			name:       "unknown target",
			projection: []ColumnMapping{{New: "id", Old: "id"}, {New: "email"}, {New: "nope"}},
			wantErr:    "unknown column",
		},
		{
			name:       "unknown source",
			projection: []ColumnMapping{{New: "id", Old: "uid"}, {New: "email"}},
			wantErr:    "not in old table",
		},
		{
			name:       "missing target",
			projection: []ColumnMapping{{New: "id", Old: "id"}},
			wantErr:    "missing target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := RebuildSpec{Old: oldTable, New: newTable, Projection: tt.projection}
			err := spec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRebuildSpecValidate_NotNullWithoutSourceOrDefault(t *testing.T) {
	spec := RebuildSpec{
		Old: TableDescriptor{
			Name:    "users",
			Columns: []ColumnDescriptor{{Name: "id", Type: TypeInteger}},
		},
		New: TableDescriptor{
			Name: "users",
			Columns: []ColumnDescriptor{
				{Name: "id", Type: TypeInteger},
				{Name: "email", Type: TypeText},
			},
		},
		Projection: []ColumnMapping{{New: "id", Old: "id"}, {New: "email"}},
	}

	err := spec.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestTableDescriptorReferences(t *testing.T) {
	td := TableDescriptor{
		Name: "orders",
		Constraints: []ConstraintDescriptor{
			{Name: "orders_pk", Kind: ConstraintPrimaryKey, Columns: []string{"id"}},
			{Name: "orders_user_fk", Kind: ConstraintForeignKey, Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}},
			{Name: "orders_item_fk", Kind: ConstraintForeignKey, Columns: []string{"item_id"}, RefTable: "items", RefColumns: []string{"id"}},
			{Name: "orders_dup_fk", Kind: ConstraintForeignKey, Columns: []string{"other_user"}, RefTable: "users", RefColumns: []string{"id"}},
			{Name: "orders_self_fk", Kind: ConstraintForeignKey, Columns: []string{"parent_id"}, RefTable: "orders", RefColumns: []string{"id"}},
		},
	}

	assert.Equal(t, []string{"users", "items"}, td.References())
}

func TestLogicalTypeValid(t *testing.T) {
	for _, lt := range []LogicalType{TypeInteger, TypeReal, TypeText, TypeBlob, TypeBoolean, TypeTimestamp} {
		assert.True(t, lt.Valid(), string(lt))
	}
	assert.False(t, LogicalType("varchar").Valid())
	assert.False(t, LogicalType("").Valid())
}

func TestCyclicDependencyError_SortsTables(t *testing.T) {
	err := &CyclicDependencyError{Tables: []string{"orders", "items", "users"}}
	assert.Equal(t, "cyclic reference dependency among tables requiring rebuild: items, orders, users", err.Error())
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Table: "users", Column: "email", RowID: 42}
	assert.Contains(t, err.Error(), `"users"`)
	assert.Contains(t, err.Error(), `"email"`)
	assert.Contains(t, err.Error(), "row 42")

	unknown := &ValidationError{Table: "users", RowID: -1}
	assert.NotContains(t, unknown.Error(), "row")
}
