package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_workers_total",
			Help: "Total number of connected workers by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_tasks_total",
			Help: "Total number of tasks by lifecycle state",
		},
		[]string{"state"},
	)

	ClientsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_clients_total",
			Help: "Total number of connected clients",
		},
	)

	IdleWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_idle_workers",
			Help: "Number of workers currently classified idle",
		},
	)

	SaturatedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_saturated_workers",
			Help: "Number of workers currently classified saturated",
		},
	)

	UnrunnableTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_unrunnable_tasks",
			Help: "Number of tasks parked in no-worker pending a placement retry",
		},
	)

	ClusterOccupancySeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_cluster_occupancy_seconds",
			Help: "Sum of estimated remaining processing time across all workers",
		},
	)

	ClusterNCores = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_cluster_ncores",
			Help: "Total cores offered by all connected workers",
		},
	)

	// Scheduling metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_scheduling_latency_seconds",
			Help:    "Time from a task entering waiting to being placed on a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_tasks_scheduled_total",
			Help: "Total number of tasks placed onto a worker",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_tasks_failed_total",
			Help: "Total number of tasks that reached erred, by whether they were retried",
		},
		[]string{"retried"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_task_duration_seconds",
			Help:    "Observed task compute duration by key prefix",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"prefix"},
	)

	// Transfer metrics
	StealsProposed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_steals_proposed_total",
			Help: "Total number of work-stealing transfers proposed",
		},
	)

	RebalanceMovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_rebalance_moves_total",
			Help: "Total number of rebalance/replicate data moves, by outcome",
		},
		[]string{"outcome"},
	)

	// Adaptive scaling metrics
	AdaptiveTargetWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_adaptive_target_workers",
			Help: "Most recently computed adaptive scaling target worker count",
		},
	)

	AdaptiveScaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_adaptive_scale_events_total",
			Help: "Total number of adaptive scale-up/scale-down calls, by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	// Transport metrics
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_messages_total",
			Help: "Total number of messages handled, by kind",
		},
		[]string{"kind"},
	)

	OutboxDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_outbox_dropped_total",
			Help: "Total number of outbound messages dropped because a peer's outbox was full or closed",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(ClientsTotal)
	prometheus.MustRegister(IdleWorkers)
	prometheus.MustRegister(SaturatedWorkers)
	prometheus.MustRegister(UnrunnableTasks)
	prometheus.MustRegister(ClusterOccupancySeconds)
	prometheus.MustRegister(ClusterNCores)

	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TaskDuration)

	prometheus.MustRegister(StealsProposed)
	prometheus.MustRegister(RebalanceMovesTotal)

	prometheus.MustRegister(AdaptiveTargetWorkers)
	prometheus.MustRegister(AdaptiveScaleEventsTotal)

	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(OutboxDroppedTotal)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
