// Package memory provides a scripted in-memory store.Conn for unit
// tests. It does not interpret SQL: statements are recorded, query
// results are queued by the test, and Busy or statement errors can be
// injected to exercise retry and failure paths.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/quarrydb/quarry/store"
)

// Statement is one executed statement with its arguments.
type Statement struct {
	SQL  string
	Args []any
}

type failure struct {
	substr string
	err    error
}

type queued struct {
	substr string
	rows   [][]any
}

// Store is a scripted store.Conn. The zero value is not usable; call New.
type Store struct {
	mu            sync.Mutex
	writerHeld    bool
	busyRemaining int
	failures      []failure
	results       []queued
	committed     []Statement
	batches       [][]Statement
	attempted     []Statement
	writeBegins   int
}

// Compile-time check that Store implements store.Conn.
var _ store.Conn = (*Store)(nil)

// New creates an empty scripted store.
func New() *Store {
	return &Store{}
}

// ForceBusy makes the next n BeginWrite calls fail with store.ErrBusy.
func (s *Store) ForceBusy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busyRemaining = n
}

// FailOn makes any Exec or Query whose statement contains substr return err.
func (s *Store) FailOn(substr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{substr: substr, err: err})
}

// QueueResult queues rows to be returned by the next Query whose
// statement contains substr. Results are consumed in FIFO order.
func (s *Store) QueueResult(substr string, rows [][]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, queued{substr: substr, rows: rows})
}

// Committed returns the statements executed by committed transactions,
// in execution order.
func (s *Store) Committed() []Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Statement(nil), s.committed...)
}

// Commits returns the committed transactions' statements, one batch
// per transaction, in commit order. Transactions that committed
// without statements are omitted.
func (s *Store) Commits() [][]Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Statement, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Statement(nil), b...)
	}
	return out
}

// Attempted returns every executed statement, committed or not.
func (s *Store) Attempted() []Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Statement(nil), s.attempted...)
}

// WriteBegins returns how many write transactions were successfully begun.
func (s *Store) WriteBegins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeBegins
}

// BeginRead starts a read transaction. Reads never contend with the writer.
func (s *Store) BeginRead(ctx context.Context) (store.Tx, error) {
	return &tx{store: s, readOnly: true}, nil
}

// BeginWrite starts the single write transaction, honoring any Busy
// injection, and fails with store.ErrBusy while another write
// transaction is open.
func (s *Store) BeginWrite(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyRemaining > 0 {
		s.busyRemaining--
		return nil, store.ErrBusy
	}
	if s.writerHeld {
		return nil, store.ErrBusy
	}
	s.writerHeld = true
	s.writeBegins++
	return &tx{store: s}, nil
}

// Dialect reports the SQLite flavor; the scripted statements tests
// assert against are written in it.
func (s *Store) Dialect() store.Dialect { return store.DialectSQLite }

// Close is a no-op.
func (s *Store) Close() error { return nil }

type tx struct {
	store    *Store
	readOnly bool
	buf      []Statement
	done     bool
}

// Exec records the statement, honoring any injected failure.
func (t *tx) Exec(ctx context.Context, stmt string, args ...any) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	rec := Statement{SQL: stmt, Args: args}
	t.store.attempted = append(t.store.attempted, rec)
	for _, f := range t.store.failures {
		if strings.Contains(stmt, f.substr) {
			return f.err
		}
	}
	t.buf = append(t.buf, rec)
	return nil
}

// Query records the statement and serves the first matching queued
// result, or no rows if none was queued.
func (t *tx) Query(ctx context.Context, stmt string, args ...any) ([][]any, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.attempted = append(t.store.attempted, Statement{SQL: stmt, Args: args})
	for _, f := range t.store.failures {
		if strings.Contains(stmt, f.substr) {
			return nil, f.err
		}
	}
	for i, q := range t.store.results {
		if strings.Contains(stmt, q.substr) {
			t.store.results = append(t.store.results[:i], t.store.results[i+1:]...)
			return q.rows, nil
		}
	}
	return nil, nil
}

// Commit publishes the transaction's statements and releases the writer.
func (t *tx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.store.committed = append(t.store.committed, t.buf...)
	if len(t.buf) > 0 {
		t.store.batches = append(t.store.batches, t.buf)
	}
	if !t.readOnly {
		t.store.writerHeld = false
	}
	return nil
}

// Rollback discards the transaction's statements and releases the writer.
func (t *tx) Rollback() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.buf = nil
	if !t.readOnly {
		t.store.writerHeld = false
	}
	return nil
}
