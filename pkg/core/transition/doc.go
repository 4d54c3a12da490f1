/*
Package transition implements the task state machine of §4.1: a table
of legal (from, to) edges, one function per edge encoding its side
effects, and a fixed-point applier that drains a LIFO stack of pending
recommendations the same way pkg/manager/fsm.go drains its Command
queue — except here the "commands" are produced by the transitions
themselves, not only by external stimuli.

Placement decisions (which worker a waiting task lands on) are not
made in this package. Engine depends on a narrow Placer interface so
the waiting->processing edge can ask for a placement decision without
this package importing pkg/core/placement directly — the same
dependency-inversion pkg/reconciler uses to stay decoupled from
pkg/scheduler.
*/
package transition
