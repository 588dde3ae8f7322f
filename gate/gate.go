// Package gate serializes write transactions against the store. Every
// mutation the engine performs, including rebuild DDL, passes through a
// Gate; there is no mutation path around it. Busy responses from the
// store are retried under a caller-supplied bounded exponential-backoff
// policy, and only after the policy is exhausted does the caller see
// ErrLockTimeout. Readers run against a snapshot and never contend with
// the writer.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/metrics"
	"github.com/quarrydb/quarry/store"
)

// RetryPolicy bounds how long a caller waits for the writer lock.
// There is deliberately no default policy: contention budgets belong to
// the caller, so construction fails unless every field is supplied.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of acquisition attempts,
	// including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first Busy response.
	BaseDelay time.Duration

	// Multiplier scales the delay after each further attempt.
	Multiplier float64

	// MaxElapsed bounds the total time spent waiting across all
	// attempts.
	MaxElapsed time.Duration
}

// Validate checks that the policy is completely specified.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy requires at least one attempt")
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry policy requires a positive base delay")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry policy requires a multiplier of at least 1")
	}
	if p.MaxElapsed <= 0 {
		return fmt.Errorf("retry policy requires a positive maximum elapsed wait")
	}
	return nil
}

// Config holds configuration for a Gate.
type Config struct {
	// Store is the storage connection to serialize writes against (required).
	Store store.Conn

	// Policy is the caller-supplied retry policy (required, no default).
	Policy RetryPolicy

	// Clock is the time source for backoff waits (default: wall clock).
	Clock clock.Clock

	// Logger is for observability (optional).
	Logger *zerolog.Logger
}

// Gate serializes write transactions against a single store.
type Gate struct {
	conn   store.Conn
	policy RetryPolicy
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a Gate. It fails if the store is missing or the retry
// policy is incomplete.
func New(cfg Config) (*Gate, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Gate{
		conn:   cfg.Store,
		policy: cfg.Policy,
		clock:  cfg.Clock,
		logger: logger,
	}, nil
}

// Policy returns the gate's retry policy.
func (g *Gate) Policy() RetryPolicy { return g.policy }

// Write runs fn inside the store's single write transaction and commits
// it. A Busy response at begin, from a statement, or at commit rolls the
// attempt back and retries under the policy; the whole fn re-runs on
// each attempt, so fn must be safe to repeat. Exhausting the policy
// returns ErrLockTimeout wrapping the last Busy response; any other
// error from fn aborts the transaction and propagates without retry.
func (g *Gate) Write(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	attempt := func() error {
		tx, err := g.conn.BeginWrite(ctx)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return err
		}
		return nil
	}

	err := retry.Call(retry.CallArgs{
		Func: attempt,
		IsFatalError: func(err error) bool {
			return !errors.Is(err, store.ErrBusy)
		},
		NotifyFunc: func(lastError error, attempt int) {
			metrics.LockRetriesTotal.Inc()
			g.logger.Debug().
				Int("attempt", attempt).
				Err(lastError).
				Msg("write lock busy, backing off")
		},
		Attempts:    g.policy.MaxAttempts,
		Delay:       g.policy.BaseDelay,
		MaxDuration: g.policy.MaxElapsed,
		BackoffFunc: retry.ExpBackoff(g.policy.BaseDelay, g.policy.MaxElapsed, g.policy.Multiplier, false),
		Clock:       g.clock,
		Stop:        ctx.Done(),
	})

	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err):
		metrics.LockTimeoutsTotal.Inc()
		return fmt.Errorf("%w after %d attempts: %v",
			quarry.ErrLockTimeout, g.policy.MaxAttempts, retry.LastError(err))
	case retry.IsRetryStopped(err):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	default:
		return err
	}
}

// Read runs fn inside a snapshot read transaction. The transaction is
// always discarded; readers make no changes to publish.
func (g *Gate) Read(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := g.conn.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	return fn(ctx, tx)
}
