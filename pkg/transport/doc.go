/*
Package transport is the core's narrow boundary to the wire protocol
that §1/§6 declare out of scope. It never frames bytes onto a socket
itself; it defines the shapes the scheduler needs to talk about peers
(workers and clients) and hands the actual carrying of those shapes to
whatever concrete PeerChannel an embedder wires in.

Two things in here are not abstract, because they cost nothing to make
real: the message-kind enum, a string type routed by a switch in
Dispatch rather than a runtime dispatch map (per §9's redesign flag against
the teacher's and the original's attribute/dict dispatch; a kind with no
case reaches OnUnknown, the compiler does not flag it), and the
liveness probe, which rides the standard grpc_health_v1 service the
ecosystem already ships pre-generated — no protoc run required to stand
up a real, working gRPC server here.

The buffered send path lives in Outbox, grounded on the teacher's
pkg/events broker: Send never blocks the event loop, the queue is
unbounded, and a message is logged and dropped only when the outbox is
closed or the underlying channel's Send fails.
*/
package transport
