/*
Package placement decides which worker should run a waiting task,
implementing the valid_workers filter and worker_objective cost
function of §4.2.

Engine satisfies pkg/core/transition's Placer interface structurally —
this package has no dependency on transition, keeping the placement
decision reusable from the work-stealing and rebalance engines too,
the same inversion pkg/reconciler uses against pkg/scheduler in the
teacher.
*/
package placement
