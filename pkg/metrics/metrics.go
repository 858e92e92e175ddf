// Package metrics defines the Prometheus metrics exported by guestmail.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Account lifecycle metrics
var (
	AccountsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestmail_accounts_created_total",
			Help: "Total number of accounts created",
		},
		[]string{"token"},
	)

	AccountsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestmail_accounts_deleted_total",
			Help: "Total number of accounts deleted",
		},
		[]string{"reason"}, // "request", "hard_expiry", "soft_expiry"
	)

	AccountCreateFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestmail_account_create_failures_total",
			Help: "Total number of failed account creation attempts",
		},
		[]string{"cause"}, // "exhausted", "conflict", "invalid", "remote"
	)

	WarningsIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestmail_warnings_issued_total",
			Help: "Total number of expiry warnings delivered by tier",
		},
		[]string{"tier"},
	)
)

// Remote provider metrics
var (
	RemoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestmail_remote_calls_total",
			Help: "Total number of remote mailbox provider calls",
		},
		[]string{"operation", "result"}, // result: "ok", "error", "timeout"
	)

	RemoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guestmail_remote_call_duration_seconds",
			Help:    "Duration of remote mailbox provider calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Record store metrics
var (
	StoreLockWaitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guestmail_store_lock_waits_total",
			Help: "Total number of write-lock acquisitions that had to wait",
		},
	)

	StoreLockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guestmail_store_lock_timeouts_total",
			Help: "Total number of write sessions that failed with a lock timeout",
		},
	)
)

// Pruner metrics
var (
	PrunerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestmail_pruner_runs_total",
			Help: "Total number of pruner runs",
		},
		[]string{"status"}, // "ok", "error"
	)
)
