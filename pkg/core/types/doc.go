/*
Package types defines the three primary entities of the scheduler's data
model — Task, Worker, and Client — plus the small value types that
connect them (state enums, priorities, duration statistics).

Entities never hold pointers to each other. Every cross-reference
(dependencies, dependents, waiters, who_has, who_wants, processing) is a
set of the neighbor's stable string key, resolved through the state
store's tables. A Go map already gives O(1) hops on a string key, so
this plays the role the spec's "arena-allocated entities with stable
indices" design note asks for without a hand-rolled arena: destroying an
entity means removing its key from every neighbor's set first, then
deleting its own table entry — never walking a live pointer graph.
*/
package types
