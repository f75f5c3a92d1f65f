// Package metrics registers the process-wide prometheus collectors, wired
// the way the teacher exposes /metrics via promhttp in cmd/api/main.go, but
// with concrete counters/histograms for the Ledger, Task Engine, Workflow
// Engine and Reconcile Scheduler (the teacher itself registers no custom
// collectors beyond the default process ones).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beam_ledger_transactions_total",
		Help: "Ledger transactions recorded, by category.",
	}, []string{"category"})

	LedgerInsufficientBalance = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beam_ledger_insufficient_balance_total",
		Help: "Debit/settle attempts rejected for insufficient balance.",
	})

	TaskCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beam_task_created_total",
		Help: "Tasks created, by type.",
	}, []string{"type"})

	TaskCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beam_task_completed_total",
		Help: "Tasks reaching a terminal status, by type and status.",
	}, []string{"type", "status"})

	TaskSubmitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beam_task_submit_duration_seconds",
		Help:    "Time spent in Adapter.Submit, by type.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"type"})

	TaskPollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beam_task_poll_duration_seconds",
		Help:    "Time spent in Adapter.Poll, by type.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"type"})

	WorkflowRunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beam_workflow_runs_started_total",
		Help: "Workflow runs created.",
	})

	WorkflowRunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beam_workflow_runs_completed_total",
		Help: "Workflow runs reaching a terminal status, by status.",
	}, []string{"status"})

	WorkflowNodesReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beam_workflow_nodes_reconciled_total",
		Help: "Workflow nodes that transitioned status during a Reconcile pass, by node type and resulting status.",
	}, []string{"node_type", "status"})

	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beam_scheduler_tick_duration_seconds",
		Help:    "Wall-clock duration of one reconcile scheduler tick.",
		Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
	})

	SchedulerRowsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beam_scheduler_rows_claimed_total",
		Help: "Rows claimed per reconcile tick, by kind (task_pending, task_poll, workflow_run).",
	}, []string{"kind"})

	SchedulerPanicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beam_scheduler_panics_recovered_total",
		Help: "Panics recovered while processing a single claimed row.",
	})
)
