/*
Package adaptive implements the cluster-size control loop of §4.7: a
pluggable TargetFunc proposes a desired worker count each tick, and the
engine reconciles the plan/requested/observed sets against it, scaling
up immediately but scaling down only after a candidate worker has sat
idle for wait_count consecutive ticks, to damp flapping.

Close candidates are drawn in two passes: first from requested \
observed (scale-up tokens the resource manager hasn't fulfilled yet —
retracting one costs nothing, since no real worker exists to drain),
then from the least-loaded of the observed workers, sorted by
occupancy so the quietest machines are offered up before busier ones.

Calls to the external resource manager are wrapped in
github.com/cenkalti/backoff/v4, the retry library the rest of the
example pack reaches for whenever a component calls out to a fallible
external API — the same role pkg/manager/manager.go's own retry-with-
delay loop plays for its raft-apply calls, just using the
ecosystem's exponential-backoff implementation instead of a hand-rolled
one.
*/
package adaptive
