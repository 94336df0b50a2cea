// Package metrics holds the process-wide Prometheus instruments shared by
// the queue, sync engine, and committer. The shape (vectors registered
// against a caller-supplied registerer behind an Enable call, nil-guarded update helpers so metrics can
// be disabled entirely) is carried over from the git-plumbing daemon this
// system is descended from.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueDepth          prometheus.Gauge
	queueItemsProcessed *prometheus.CounterVec

	syncOperations    *prometheus.CounterVec
	syncOperationTime *prometheus.HistogramVec

	commitCount *prometheus.CounterVec
	pushCount   *prometheus.CounterVec

	gitCommandLatency *prometheus.HistogramVec
)

// Enable registers every instrument against registerer. It is safe to call
// at most once; subsequent sync/queue/committer calls are no-ops until it
// has run (mirrors the teacher's EnableMetrics, which the tests and the
// z_e2e suite call exactly once per process).
func Enable(namespace string, registerer prometheus.Registerer) {
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingestion_queue_depth",
		Help:      "Number of items currently waiting in the ingestion queue",
	})

	queueItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestion_queue_items_processed_total",
		Help:      "Count of ingestion queue items processed",
	}, []string{"kind", "result"})

	syncOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_operations_total",
		Help:      "Count of filesystem operations applied by the sync engine",
	}, []string{"op", "result"})

	syncOperationTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_operation_duration_seconds",
		Help:      "Latency of a single sync engine filesystem operation",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	commitCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "committer_commits_total",
		Help:      "Count of commits created by the committer, per repo",
	}, []string{"relay_id", "folder_id", "result"})

	pushCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "committer_pushes_total",
		Help:      "Count of git pushes attempted by the committer, per repo and failure class",
	}, []string{"relay_id", "folder_id", "result"})

	gitCommandLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "git_command_duration_seconds",
		Help:      "Latency of a single git subprocess invocation",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"command"})

	registerer.MustRegister(
		queueDepth,
		queueItemsProcessed,
		syncOperations,
		syncOperationTime,
		commitCount,
		pushCount,
		gitCommandLatency,
	)
}

// SetQueueDepth records the current ingestion queue length.
func SetQueueDepth(n int) {
	if queueDepth == nil {
		return
	}
	queueDepth.Set(float64(n))
}

// RecordQueueItem records that one queue item of kind finished with result
// ("ok", "error", or "panic").
func RecordQueueItem(kind, result string) {
	if queueItemsProcessed == nil {
		return
	}
	queueItemsProcessed.WithLabelValues(kind, result).Inc()
}

// RecordSyncOperation records one reconciliation operation (create, update,
// rename, delete) and its result (ok, error, skipped).
func RecordSyncOperation(op, result string, start time.Time) {
	if syncOperations == nil {
		return
	}
	syncOperations.WithLabelValues(op, result).Inc()
	syncOperationTime.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordCommit records a commit attempt for one folder repo.
func RecordCommit(relayID, folderID, result string) {
	if commitCount == nil {
		return
	}
	commitCount.WithLabelValues(relayID, folderID, result).Inc()
}

// RecordPush records a push attempt for one folder repo, classified per
// SPEC_FULL.md §7 (non-fast-forward, auth, other, ok).
func RecordPush(relayID, folderID, result string) {
	if pushCount == nil {
		return
	}
	pushCount.WithLabelValues(relayID, folderID, result).Inc()
}

// RecordGitCommand records the latency of one git subprocess invocation.
func RecordGitCommand(command string, start time.Time) {
	if gitCommandLatency == nil {
		return
	}
	gitCommandLatency.WithLabelValues(command).Observe(time.Since(start).Seconds())
}
