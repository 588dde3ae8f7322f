// Package planner diffs two schema versions into an ordered list of
// migration steps. Column and index additions stay in place; a drop,
// rename, type change, or constraint change collapses every change to
// that table into a single rebuild step, because the engine class this
// module targets cannot alter columns in place. Rebuilds are ordered so
// a table is rebuilt after every table it references.
package planner

import (
	"fmt"
	"sort"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/ledger"
)

// Step identifiers zero-pad the version and sequence numbers so that
// lexicographic order equals application order. Values beyond the
// padding would break that, so planning rejects them.
const (
	maxOrderableVersion = 999999
	maxOrderableSteps   = 999
)

// Plan returns the ordered steps that take a store at the old version
// to the new version. It emits nothing on error: planning either
// produces a complete step list or fails whole.
func Plan(oldVersion, newVersion quarry.SchemaVersion) ([]quarry.Step, error) {
	if newVersion.ID <= oldVersion.ID {
		return nil, fmt.Errorf("version %d to %d: %w",
			oldVersion.ID, newVersion.ID, quarry.ErrNonMonotonicVersion)
	}
	if newVersion.ID > maxOrderableVersion {
		return nil, fmt.Errorf("version %d exceeds the maximum orderable version %d",
			newVersion.ID, maxOrderableVersion)
	}
	for _, v := range []quarry.SchemaVersion{oldVersion, newVersion} {
		if _, ok := v.Table(ledger.TableName); ok {
			return nil, fmt.Errorf("table name %q is reserved for the migration ledger", ledger.TableName)
		}
	}

	var created []quarry.TableDescriptor
	var droppedNames []string
	inPlace := make(map[string][]quarry.Step)
	rebuilds := make(map[string]*quarry.RebuildSpec)

	for _, nt := range newVersion.Tables {
		ot, ok := oldVersion.Table(nt.Name)
		if !ok {
			created = append(created, nt)
			continue
		}
		steps, rebuild := diffTable(ot, nt)
		if rebuild != nil {
			if err := rebuild.Validate(); err != nil {
				return nil, fmt.Errorf("table %q: %w", nt.Name, err)
			}
			rebuilds[nt.Name] = rebuild
			continue
		}
		if len(steps) > 0 {
			inPlace[nt.Name] = steps
		}
	}
	for _, ot := range oldVersion.Tables {
		if _, ok := newVersion.Table(ot.Name); !ok {
			droppedNames = append(droppedNames, ot.Name)
		}
	}

	// Rebuild ordering follows the new descriptors' foreign keys: a
	// rebuilt table's recreated references must resolve against its
	// already-rebuilt dependencies.
	rebuildNames := sortedKeys(rebuilds)
	rebuildOrder, cycle := topoOrder(rebuildNames, func(name string) []string {
		return rebuilds[name].New.References()
	})
	if len(cycle) > 0 {
		return nil, &quarry.CyclicDependencyError{Tables: cycle}
	}

	// Created tables likewise go referenced-first. A cycle among new
	// tables is representable with deferred references, so it falls
	// back to name order instead of failing.
	createOrder, createCycle := topoOrder(tableNames(created), func(name string) []string {
		for _, t := range created {
			if t.Name == name {
				return t.References()
			}
		}
		return nil
	})
	if len(createCycle) > 0 {
		createOrder = tableNames(created)
		sort.Strings(createOrder)
	}

	// Dropped tables go referencing-first, per the old descriptors.
	dropOrder, dropCycle := topoOrder(droppedNames, func(name string) []string {
		t, _ := oldVersion.Table(name)
		return t.References()
	})
	if len(dropCycle) > 0 {
		dropOrder = append([]string(nil), droppedNames...)
		sort.Strings(dropOrder)
	}
	reverse(dropOrder)

	var steps []quarry.Step
	seq := 0
	assign := func(s quarry.Step) {
		seq++
		s.ID = fmt.Sprintf("%06d.%03d.%s.%s", newVersion.ID, seq, s.Kind, s.Table)
		steps = append(steps, s)
	}

	for _, name := range createOrder {
		td, _ := newVersion.Table(name)
		assign(quarry.Step{Kind: quarry.StepCreateTable, Table: name, Create: &td})
	}
	for _, name := range sortedKeys(inPlace) {
		for _, s := range inPlace[name] {
			assign(s)
		}
	}
	for _, name := range rebuildOrder {
		assign(quarry.Step{Kind: quarry.StepRebuildTable, Table: name, Rebuild: rebuilds[name]})
	}
	for _, name := range dropOrder {
		assign(quarry.Step{Kind: quarry.StepDropTable, Table: name})
	}

	if len(steps) > maxOrderableSteps {
		return nil, fmt.Errorf("plan to version %d has %d steps, more than the %d that keep step identifiers ordered",
			newVersion.ID, len(steps), maxOrderableSteps)
	}
	return steps, nil
}

// diffTable compares one table across versions. It returns either a
// list of in-place steps or a rebuild spec, never both: a single
// rebuild subsumes every pending change to the table, including
// additions and index changes, since the shadow table is created from
// the complete new descriptor.
func diffTable(oldTable, newTable quarry.TableDescriptor) ([]quarry.Step, *quarry.RebuildSpec) {
	needsRebuild := false

	// Columns renamed away are not drops.
	renamedAway := make(map[string]bool)
	for _, nc := range newTable.Columns {
		if nc.RenamedFrom == "" {
			continue
		}
		if _, ok := oldTable.Column(nc.RenamedFrom); ok {
			renamedAway[nc.RenamedFrom] = true
			needsRebuild = true
		}
	}

	for _, oc := range oldTable.Columns {
		if _, ok := newTable.Column(oc.Name); !ok && !renamedAway[oc.Name] {
			needsRebuild = true
		}
	}

	var adds []quarry.Step
	for _, nc := range newTable.Columns {
		if renamedAway[nc.RenamedFrom] {
			continue
		}
		oc, ok := oldTable.Column(nc.Name)
		if !ok {
			col := nc
			adds = append(adds, quarry.Step{
				Kind:   quarry.StepAddColumn,
				Table:  newTable.Name,
				Column: &col,
			})
			continue
		}
		if oc.Type != nc.Type || oc.Nullable != nc.Nullable || !defaultEqual(oc.Default, nc.Default) {
			needsRebuild = true
		}
	}

	if !constraintsEqual(oldTable.Constraints, newTable.Constraints) {
		needsRebuild = true
	}

	var indexSteps []quarry.Step
	for _, oi := range oldTable.Indexes {
		if ni, ok := newTable.Index(oi.Name); !ok || !indexEqual(oi, ni) {
			indexSteps = append(indexSteps, quarry.Step{
				Kind:      quarry.StepDropIndex,
				Table:     newTable.Name,
				IndexName: oi.Name,
			})
		}
	}
	for _, ni := range newTable.Indexes {
		if oi, ok := oldTable.Index(ni.Name); !ok || !indexEqual(oi, ni) {
			ix := ni
			indexSteps = append(indexSteps, quarry.Step{
				Kind:  quarry.StepAddIndex,
				Table: newTable.Name,
				Index: &ix,
			})
		}
	}

	if needsRebuild {
		return nil, &quarry.RebuildSpec{
			Old:        oldTable,
			New:        newTable,
			Projection: buildProjection(oldTable, newTable),
		}
	}
	return append(adds, indexSteps...), nil
}

// buildProjection maps every new column to its source: the rename hint
// if present, the same-named old column otherwise, or the declared
// default for newly introduced columns. Old columns absent from the
// mapping are discarded by the rebuild.
func buildProjection(oldTable, newTable quarry.TableDescriptor) []quarry.ColumnMapping {
	projection := make([]quarry.ColumnMapping, 0, len(newTable.Columns))
	for _, nc := range newTable.Columns {
		m := quarry.ColumnMapping{New: nc.Name}
		if nc.RenamedFrom != "" {
			if _, ok := oldTable.Column(nc.RenamedFrom); ok {
				m.Old = nc.RenamedFrom
			}
		} else if _, ok := oldTable.Column(nc.Name); ok {
			m.Old = nc.Name
		}
		projection = append(projection, m)
	}
	return projection
}

func defaultEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func indexEqual(a, b quarry.IndexDescriptor) bool {
	if a.Name != b.Name || a.Unique != b.Unique || len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	return true
}

func constraintsEqual(a, b []quarry.ConstraintDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	byName := make(map[string]quarry.ConstraintDescriptor, len(a))
	for _, c := range a {
		byName[c.Name] = c
	}
	for _, c := range b {
		o, ok := byName[c.Name]
		if !ok || !constraintEqual(o, c) {
			return false
		}
	}
	return true
}

func constraintEqual(a, b quarry.ConstraintDescriptor) bool {
	if a.Kind != b.Kind || a.RefTable != b.RefTable || a.Expr != b.Expr {
		return false
	}
	if !stringsEqual(a.Columns, b.Columns) || !stringsEqual(a.RefColumns, b.RefColumns) {
		return false
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tableNames(tables []quarry.TableDescriptor) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
