/*
Package scheduler is the top-level orchestrator that wires every
pkg/core/* engine and pkg/transport into one cooperative event loop, in
the teacher's shape: a stopCh, a Start()/Stop() pair, and a run()
goroutine selecting on a ticker.

# Architecture

	┌──────────────────────────────────────────────────────────┐
	│                      Scheduler.run()                      │
	└────────────────┬───────────────────────┬─────────────────┘
	                 │                        │
	         inbound transport.Message    maintenance ticker
	                 │                        │
	                 ▼                        ▼
	      stimulus handler + transition   occupancy recompute
	       .Apply, atomically (§5)        adaptive Tick
	                                       stealing Propose
	                                       rebalance pass

Every inbound message (a worker registering, a client submitting a
graph, a task finishing) is translated by exactly one pkg/core/stimulus
function into a recommendation map, then immediately drained to a fixed
point by the transition engine's Apply — all on the single goroutine
that owns the store, so nothing outside this package ever observes a
half-applied stimulus (§5's "the stimulus-plus-transition-closure is
atomic" rule).

The periodic maintenance tick is where the work that doesn't react to a
single message lives: occupancy reclassification, the worker heartbeat
check, the adaptive scale control loop, stealing proposals, and, every
tenth tick, a rebalance pass. Unlike the teacher's single 5-second
"reconcile containers" tick, lattice's maintenance pass does these
short jobs back to back rather than one long reconciliation.
*/
package scheduler
