/*
Package metrics defines and registers every lattice_* Prometheus metric,
following the same Gauge/Counter/Histogram layout and init()-time
MustRegister pattern the teacher's own metrics package uses, just
re-pointed at task-graph scheduling instead of container orchestration.

# Categories

  - Cluster: lattice_workers_total, lattice_tasks_total,
    lattice_clients_total, idle/saturated worker counts,
    lattice_unrunnable_tasks, cluster occupancy and core totals.
  - Scheduling: placement latency, tasks scheduled/failed, observed
    per-prefix task duration (feeding the same EWMA pkg/core/occupancy
    reads).
  - Transfer: work-stealing proposals, rebalance move outcomes.
  - Adaptive: the control loop's current target worker count and
    scale-up/down call outcomes.
  - Transport: messages handled by kind, outbox drops.

Collector (collector.go) snapshots a pkg/core/store.Store into these
metrics every 15s on its own ticker — deliberately not the scheduler's
own event-loop goroutine, since Store.Snapshot is the one read path
explicitly documented as safe to call from a separate goroutine.

Health (health.go) and Timer (metrics.go) are unchanged from the
teacher's own generic, domain-independent helpers.
*/
package metrics
