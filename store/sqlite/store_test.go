package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/gate"
	"github.com/quarrydb/quarry/ledger"
	"github.com/quarrydb/quarry/migrate"
	"github.com/quarrydb/quarry/store"
)

func strPtr(s string) *string { return &s }

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	st, err := Open(Options{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")

	_, err = Open(Options{Path: "x.db", Durability: "paranoid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown durability mode")
}

func TestOpen_DurabilityModes(t *testing.T) {
	dir := t.TempDir()
	for _, mode := range []store.DurabilityMode{store.DurabilityFull, store.DurabilityNormal} {
		st, err := Open(Options{Path: filepath.Join(dir, string(mode)+".db"), Durability: mode})
		require.NoError(t, err)
		require.NoError(t, st.Close())
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "store.db"))
	ctx := context.Background()

	tx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, "CREATE TABLE t (id INTEGER NOT NULL, name TEXT)"))
	require.NoError(t, tx.Exec(ctx, "INSERT INTO t (id, name) VALUES (?, ?)", 1, "ada"))
	require.NoError(t, tx.Commit())

	rtx, err := st.BeginRead(ctx)
	require.NoError(t, err)
	defer func() { _ = rtx.Rollback() }()

	rows, err := rtx.Query(ctx, "SELECT id, name FROM t")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0][0])
	assert.Equal(t, "ada", rows[0][1])
}

func TestRollback_DiscardsWrites(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "store.db"))
	ctx := context.Background()

	tx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, "CREATE TABLE t (id INTEGER)"))
	require.NoError(t, tx.Commit())

	tx, err = st.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, "INSERT INTO t (id) VALUES (1)"))
	require.NoError(t, tx.Rollback())

	rtx, err := st.BeginRead(ctx)
	require.NoError(t, err)
	defer func() { _ = rtx.Rollback() }()
	rows, err := rtx.Query(ctx, "SELECT count(*) FROM t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows[0][0])
}

func TestBeginWrite_SecondWriterIsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	st1 := openStore(t, path)
	st2 := openStore(t, path)
	ctx := context.Background()

	tx, err := st1.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, "CREATE TABLE t (id INTEGER)"))

	_, err = st2.BeginWrite(ctx)
	assert.ErrorIs(t, err, store.ErrBusy, "a held write lock surfaces immediately")

	require.NoError(t, tx.Commit())

	tx2, err := st2.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestConstraintViolationMapsToSentinel(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "store.db"))
	ctx := context.Background()

	tx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	require.NoError(t, tx.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"))
	require.NoError(t, tx.Exec(ctx, "INSERT INTO t (id) VALUES (1)"))
	err = tx.Exec(ctx, "INSERT INTO t (id) VALUES (1)")
	assert.ErrorIs(t, err, store.ErrConstraint)
}

func seedUsers(t *testing.T, st *Store) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, "CREATE TABLE users (id INTEGER NOT NULL, name TEXT)"))
	require.NoError(t, tx.Exec(ctx, "INSERT INTO users (id, name) VALUES (?, ?)", 1, "ada"))
	require.NoError(t, tx.Exec(ctx, "INSERT INTO users (id, name) VALUES (?, ?)", 2, "grace"))
	require.NoError(t, tx.Commit())
}

func userVersions() (quarry.SchemaVersion, quarry.SchemaVersion) {
	oldVersion := quarry.SchemaVersion{ID: 1, Tables: []quarry.TableDescriptor{{
		Name: "users",
		Columns: []quarry.ColumnDescriptor{
			{Name: "id", Type: quarry.TypeInteger},
			{Name: "name", Type: quarry.TypeText, Nullable: true},
		},
	}}}
	newVersion := quarry.SchemaVersion{ID: 2, Tables: []quarry.TableDescriptor{{
		Name: "users",
		Columns: []quarry.ColumnDescriptor{
			{Name: "id", Type: quarry.TypeInteger},
			{Name: "email", Type: quarry.TypeText, Default: strPtr("")},
		},
	}}}
	return oldVersion, newVersion
}

func newMigrator(t *testing.T, st *Store) *migrate.Migrator {
	t.Helper()
	m, err := migrate.New(migrate.Config{
		Store: st,
		Policy: gate.RetryPolicy{
			MaxAttempts: 10,
			BaseDelay:   5 * time.Millisecond,
			Multiplier:  2,
			MaxElapsed:  5 * time.Second,
		},
	})
	require.NoError(t, err)
	return m
}

func TestMigrate_RebuildEndToEnd(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "store.db"))
	seedUsers(t, st)

	oldVersion, newVersion := userVersions()
	m := newMigrator(t, st)

	records, err := m.Migrate(context.Background(), oldVersion, newVersion)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, quarry.StatusApplied, records[0].Status)

	ctx := context.Background()
	rtx, err := st.BeginRead(ctx)
	require.NoError(t, err)
	defer func() { _ = rtx.Rollback() }()

	rows, err := rtx.Query(ctx, "SELECT id, email FROM users ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 2, "every surviving row is carried through the rebuild")
	assert.Equal(t, int64(1), rows[0][0])
	assert.Equal(t, "", rows[0][1], "introduced column takes its default")
	assert.Equal(t, int64(2), rows[1][0])

	_, err = rtx.Query(ctx, "SELECT name FROM users")
	assert.Error(t, err, "the dropped column is gone")

	history, err := m.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, records[0].StepID, history[0].StepID)
	assert.Equal(t, quarry.StatusApplied, history[0].Status)
}

func TestMigrate_ResumesInterruptedRenameWithoutDataLoss(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "store.db"))
	seedUsers(t, st)

	oldVersion := quarry.SchemaVersion{ID: 1, Tables: []quarry.TableDescriptor{{
		Name: "users",
		Columns: []quarry.ColumnDescriptor{
			{Name: "id", Type: quarry.TypeInteger},
			{Name: "name", Type: quarry.TypeText, Nullable: true},
		},
	}}}
	newVersion := quarry.SchemaVersion{ID: 2, Tables: []quarry.TableDescriptor{{
		Name: "users",
		Columns: []quarry.ColumnDescriptor{
			{Name: "id", Type: quarry.TypeInteger},
			{Name: "full_name", Type: quarry.TypeText, Nullable: true, RenamedFrom: "name"},
		},
	}}}

	m := newMigrator(t, st)
	steps, err := m.Plan(oldVersion, newVersion)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, quarry.StepRebuildTable, steps[0].Kind)

	// Commit the step's applying record by hand, the state a run
	// killed between registering the step and committing its work
	// leaves behind. The table itself is still on the old schema.
	ctx := context.Background()
	tx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	l := ledger.New(ledger.Config{})
	require.NoError(t, l.EnsureTable(ctx, tx))
	require.NoError(t, l.Begin(ctx, tx, steps[0].ID, steps[0].Checksum()))
	require.NoError(t, tx.Commit())

	records, err := m.Apply(ctx, steps)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, quarry.StatusApplied, records[0].Status)

	rtx, err := st.BeginRead(ctx)
	require.NoError(t, err)
	defer func() { _ = rtx.Rollback() }()
	rows, err := rtx.Query(ctx, "SELECT full_name FROM users WHERE id = ?", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ada", rows[0][0],
		"the renamed column carries the row's value, not a literal column name")
}

func TestMigrate_SecondRunSkipsAppliedSteps(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "store.db"))
	seedUsers(t, st)

	oldVersion, newVersion := userVersions()
	m := newMigrator(t, st)

	_, err := m.Migrate(context.Background(), oldVersion, newVersion)
	require.NoError(t, err)

	steps, err := m.Plan(oldVersion, newVersion)
	require.NoError(t, err)
	records, err := m.Apply(context.Background(), steps)
	require.NoError(t, err)
	assert.Empty(t, records, "a re-run of applied steps finalizes nothing")

	history, err := m.History(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 1, "the ledger gains no duplicate records")
}

func TestMigrate_ReadersSeeConsistentSnapshots(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "store.db"))
	seedUsers(t, st)

	oldVersion, newVersion := userVersions()
	m := newMigrator(t, st)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	readErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx := context.Background()
		for {
			select {
			case <-stop:
				return
			default:
			}
			rtx, err := st.BeginRead(ctx)
			if err != nil {
				readErr <- err
				return
			}
			rows, err := rtx.Query(ctx, "SELECT count(*) FROM users")
			_ = rtx.Rollback()
			if err != nil {
				readErr <- err
				return
			}
			if len(rows) != 1 || rows[0][0] != int64(2) {
				readErr <- assert.AnError
				return
			}
		}
	}()

	_, err := m.Migrate(context.Background(), oldVersion, newVersion)
	close(stop)
	wg.Wait()
	require.NoError(t, err)

	select {
	case rErr := <-readErr:
		t.Fatalf("reader observed an inconsistent store: %v", rErr)
	default:
	}
}
