// Package metrics exposes Prometheus metrics for the migration engine.
// Registration happens on the default registry via promauto; embedding
// applications scrape it however they already do.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StepsTotal counts finalized migration steps by kind and outcome.
var StepsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quarry_migration_steps_total",
		Help: "Migration steps finalized, by step kind and outcome",
	},
	[]string{"kind", "outcome"},
)

// StepsSkippedTotal counts steps skipped because the ledger already
// holds an applied record with a matching checksum.
var StepsSkippedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quarry_migration_steps_skipped_total",
		Help: "Migration steps skipped as idempotent no-ops",
	},
	[]string{"kind"},
)

// LockRetriesTotal counts Busy responses retried by the concurrency gate.
var LockRetriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "quarry_write_lock_retries_total",
		Help: "Write lock acquisitions retried after a Busy response",
	},
)

// LockTimeoutsTotal counts write attempts that exhausted their retry policy.
var LockTimeoutsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "quarry_write_lock_timeouts_total",
		Help: "Write attempts that exhausted the retry policy",
	},
)

// RebuildSeconds observes wall-clock duration of table rebuilds.
var RebuildSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "quarry_table_rebuild_seconds",
		Help:    "Duration of shadow-table rebuilds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	},
	[]string{"table"},
)
