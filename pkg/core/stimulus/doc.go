/*
Package stimulus translates the external events of §4.3 — a client
submitting a graph, a worker joining or vanishing, a task finishing or
erring, a missing-data report, a worker seceding into a long-running
computation, a release or a cancellation — into transition
recommendations.

Every handler here is a pure function of the store: it reads and
mutates entity state directly (creating tasks, adjusting worker
indexes, walking dependents) but never performs I/O and never calls
transition.Apply itself, per §5's "stimulus handlers never raise to
the loop, and never suspend mid-closure" rule. The caller — the
top-level scheduler in pkg/scheduler — runs the returned recommendation
map through a *transition.Engine after the handler returns, so the
whole stimulus-plus-transition-closure is what appears atomic to
outside observers, exactly as §4.1 requires.

This mirrors the teacher's dispatch-map-of-handlers shape in
pkg/manager/fsm.go, generalized from a single Command{Op,Data} switch
into one function per named stimulus, per §9's redesign flag against
runtime attribute dispatch: lattice's handlers are a static, compile-time
set, never extended by mutating a shared map at runtime.
*/
package stimulus
