package postgres

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/store"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database handle is required")
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "no placeholders",
			in:   `SELECT 1`,
			want: `SELECT 1`,
		},
		{
			name: "numbers in order",
			in:   `INSERT INTO t (a, b, c) VALUES (?, ?, ?)`,
			want: `INSERT INTO t (a, b, c) VALUES ($1, $2, $3)`,
		},
		{
			name: "single-quoted literal untouched",
			in:   `SELECT * FROM t WHERE a = ? AND b = 'what?'`,
			want: `SELECT * FROM t WHERE a = $1 AND b = 'what?'`,
		},
		{
			name: "double-quoted identifier untouched",
			in:   `SELECT "odd?name" FROM t WHERE a = ?`,
			want: `SELECT "odd?name" FROM t WHERE a = $1`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rebind(tt.in))
		})
	}
}

func TestMapErr(t *testing.T) {
	busy := mapErr(&pq.Error{Code: "55P03"})
	assert.True(t, errors.Is(busy, store.ErrBusy))

	serialization := mapErr(&pq.Error{Code: "40001"})
	assert.True(t, errors.Is(serialization, store.ErrBusy))

	deadlock := mapErr(&pq.Error{Code: "40P01"})
	assert.True(t, errors.Is(deadlock, store.ErrBusy))

	unique := mapErr(&pq.Error{Code: "23505"})
	assert.True(t, errors.Is(unique, store.ErrConstraint))

	notNull := mapErr(&pq.Error{Code: "23502"})
	assert.True(t, errors.Is(notNull, store.ErrConstraint))

	other := errors.New("connection refused")
	assert.Equal(t, other, mapErr(other))
}
