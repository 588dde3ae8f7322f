package migrate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/gate"
	"github.com/quarrydb/quarry/store/memory"
)

func strPtr(s string) *string { return &s }

func newTestMigrator(t *testing.T, st *memory.Store) *Migrator {
	t.Helper()
	m, err := New(Config{
		Store: st,
		Policy: gate.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxElapsed:  time.Second,
		},
	})
	require.NoError(t, err)
	return m
}

func TestNew_RequiresPolicy(t *testing.T) {
	_, err := New(Config{Store: memory.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create gate")
}

func TestMigrate_PlansAndApplies(t *testing.T) {
	st := memory.New()
	m := newTestMigrator(t, st)

	oldVersion := quarry.SchemaVersion{ID: 1, Tables: []quarry.TableDescriptor{{
		Name:    "users",
		Columns: []quarry.ColumnDescriptor{{Name: "id", Type: quarry.TypeInteger}},
	}}}
	newVersion := quarry.SchemaVersion{ID: 2, Tables: []quarry.TableDescriptor{{
		Name: "users",
		Columns: []quarry.ColumnDescriptor{
			{Name: "id", Type: quarry.TypeInteger},
			{Name: "email", Type: quarry.TypeText, Default: strPtr("")},
		},
	}}}

	records, err := m.Migrate(context.Background(), oldVersion, newVersion)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "000002.001.add_column.users", records[0].StepID)
	assert.Equal(t, quarry.StatusApplied, records[0].Status)

	found := false
	for _, s := range st.Committed() {
		if strings.Contains(s.SQL, `ALTER TABLE "users" ADD COLUMN "email"`) {
			found = true
		}
	}
	assert.True(t, found, "planned step must reach the store")
}

func TestMigrate_PlanningErrorTouchesNothing(t *testing.T) {
	st := memory.New()
	m := newTestMigrator(t, st)

	_, err := m.Migrate(context.Background(), quarry.SchemaVersion{ID: 2}, quarry.SchemaVersion{ID: 2})
	assert.ErrorIs(t, err, quarry.ErrNonMonotonicVersion)
	assert.Empty(t, st.Committed())
	assert.Empty(t, st.Attempted())
}

func TestHistory_ReadsLedgerInOrder(t *testing.T) {
	st := memory.New()
	m := newTestMigrator(t, st)

	st.QueueResult("ORDER BY step_id", [][]any{
		{"000002.001.add_column.users", "abc", "2024-01-02 03:04:05", "applied"},
		{"000002.002.add_index.users", "def", "2024-01-02 03:04:06", "applied"},
	})

	records, err := m.History(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "000002.001.add_column.users", records[0].StepID)
	assert.Equal(t, "000002.002.add_index.users", records[1].StepID)
}
