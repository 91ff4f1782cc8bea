// Package metrics exposes the Prometheus collectors for the worker
// executor, mirroring the teacher's pkg/metrics layout and Timer helper,
// repointed at oplog/durability/lifecycle/shard concerns instead of
// container-scheduling ones.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Oplog metrics
	OplogAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "golem_oplog_append_duration_seconds",
			Help:    "Time taken to durably append an oplog record",
			Buckets: prometheus.DefBuckets,
		},
	)

	OplogReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "golem_oplog_read_duration_seconds",
			Help:    "Time taken to read a range of oplog records",
			Buckets: prometheus.DefBuckets,
		},
	)

	OplogLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "golem_oplog_length",
			Help: "Current oplog length by worker",
		},
		[]string{"worker_id"},
	)

	// Durability wrapper metrics
	HostFunctionInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_host_function_invocations_total",
			Help: "Total host function invocations by function name and durable function type",
		},
		[]string{"function_name", "durable_function_type"},
	)

	ReplayMismatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_replay_mismatches_total",
			Help: "Total NonDeterministicReplay failures by worker",
		},
		[]string{"worker_id"},
	)

	// Lifecycle metrics
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_active_workers",
			Help: "Number of worker instances currently resident in the active-worker cache",
		},
	)

	WorkerStatusTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "golem_worker_status_total",
			Help: "Number of workers by status",
		},
		[]string{"status"},
	)

	ReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "golem_replay_duration_seconds",
			Help:    "Time taken to replay a worker's oplog up to the tail",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_worker_retries_total",
			Help: "Total retry attempts by worker",
		},
		[]string{"worker_id"},
	)

	// Invocation queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "golem_invocation_queue_depth",
			Help: "Pending invocations by worker",
		},
		[]string{"worker_id"},
	)

	InvocationsDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_invocations_deduped_total",
			Help: "Invocations resolved from an existing idempotency key instead of executing",
		},
	)

	QueueFullTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_invocation_queue_full_total",
			Help: "Enqueue attempts rejected with QueueFull",
		},
	)

	// Shard / scheduler metrics
	ShardsOwned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_shards_owned",
			Help: "Number of shards currently owned by this node",
		},
	)

	SchedulerPendingEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_scheduler_pending_entries",
			Help: "Pending timer-wheel entries",
		},
	)

	SchedulerFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_scheduler_fired_total",
			Help: "Total scheduled actions dispatched",
		},
	)

	// RPC subsystem metrics
	RPCCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "golem_rpc_call_duration_seconds",
			Help:    "Worker-to-worker RPC call duration by flavour (direct/remote)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"flavour"},
	)

	// Promise metrics
	PromisesCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_promises_completed_total",
			Help: "Total promises completed",
		},
	)

	// Coordinator (raft) metrics
	CoordinatorIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_coordinator_is_leader",
			Help: "Whether this node is the raft leader of the index coordinator (1=leader)",
		},
	)

	CoordinatorApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "golem_coordinator_apply_duration_seconds",
			Help:    "Time to commit a command to the index coordinator's raft log",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		OplogAppendDuration,
		OplogReadDuration,
		OplogLength,
		HostFunctionInvocationsTotal,
		ReplayMismatchesTotal,
		ActiveWorkers,
		WorkerStatusTotal,
		ReplayDuration,
		RetriesTotal,
		QueueDepth,
		InvocationsDeduped,
		QueueFullTotal,
		PromisesCompletedTotal,
		ShardsOwned,
		SchedulerPendingEntries,
		SchedulerFiredTotal,
		RPCCallDuration,
		CoordinatorIsLeader,
		CoordinatorApplyDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
