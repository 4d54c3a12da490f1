/*
Package rebalance implements the two explicit data-movement operations
of §4.6: Rebalance(keys, workers) (even out in-memory task data across
a scoped, or whole-fleet, set of workers by memory pressure, shipping
each overloaded donor's largest replicas to the lightest receivers
first) and Replicate(keys, n, branchingFactor, delete) (raise a batch
of keys' replication factor to n over successive rounds, each round
bounded by branchingFactor*holders, trimming over-replicated keys
first when delete is set).

Both are two-phase: gather the bytes from a donor worker, confirm they
landed on the receiver, only then delete the donor's copy (trim is the
exception: it only ever deletes, since the data already has enough
other holders). Fan-out across many (donor, receiver, key) moves runs
with the same bounded worker-pool-over-a-channel shape the teacher's
reconciler uses for its per-node apply fan-out, just with a semaphore
channel instead of a fixed goroutine pool, since the move count varies
tick to tick.
*/
package rebalance
