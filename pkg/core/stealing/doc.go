/*
Package stealing implements the work-stealing pass of §4.5: idle
workers steal processing-but-not-yet-started tasks from saturated
workers, preferring the cheapest tasks first so a steal never costs
more in transfer time than it saves in wait time.

A proposal only survives two gates: the idle worker must itself be a
valid placement for the task (worker/host/resource restrictions, the
same store.ValidWorkersFor the placement engine consults), and the
estimated migration cost (comm bytes / bandwidth) must be strictly
cheaper than the queued wait on the victim (its current occupancy) —
both straight from §4.5's theft-permission rule.

Tasks are bucketed into latency levels (powers of two on expected
duration) the same way the teacher buckets retry backoff delays in
pkg/reconciler — coarse exponential buckets instead of a sorted
structure, since exact ordering within a bucket doesn't matter for a
heuristic stealing rebalance.
*/
package stealing
