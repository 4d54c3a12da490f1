// Package errors implements the error taxonomy from §7: concrete types
// for every failure mode the scheduler's core recognizes, each wrapping
// an underlying cause where one exists so callers can still
// errors.Is/errors.As through to it.
package errors

import "fmt"

// TaskComputationError wraps an exception a worker reported while
// executing a task. The payloads are opaque per §9 "exceptions as
// data" — the core never introspects them, only routes them.
type TaskComputationError struct {
	Key       string
	Exception []byte
	Traceback []byte
	Blame     string
}

func (e *TaskComputationError) Error() string {
	return fmt.Sprintf("task %s: computation error (blame=%s)", e.Key, e.Blame)
}

// KilledWorker is the cause wrapped by a PoisonedTaskError: it names the
// task and the worker whose failure tipped it over allowed_failures.
type KilledWorker struct {
	Key            string
	LastWorker     string
}

func (e *KilledWorker) Error() string {
	return fmt.Sprintf("task %s killed after repeated failure on worker %s", e.Key, e.LastWorker)
}

// PoisonedTaskError is terminal: suspicious exceeded allowed_failures.
type PoisonedTaskError struct {
	Key   string
	Cause *KilledWorker
}

func (e *PoisonedTaskError) Error() string {
	return fmt.Sprintf("task %s poisoned: %v", e.Key, e.Cause)
}

func (e *PoisonedTaskError) Unwrap() error { return e.Cause }

// WorkerLost is recoverable: the worker's peer channel closed or its
// heartbeat was missed. Its processing tasks return to released and its
// memory holdings are evicted.
type WorkerLost struct {
	Address string
	Reason  string
}

func (e *WorkerLost) Error() string {
	return fmt.Sprintf("worker %s lost: %s", e.Address, e.Reason)
}

// ClientDisconnected is recoverable: release every key the client
// desired.
type ClientDisconnected struct {
	ClientID string
}

func (e *ClientDisconnected) Error() string {
	return fmt.Sprintf("client %s disconnected", e.ClientID)
}

// BadRestriction means a task's worker/host/resource restrictions
// cannot be satisfied by any currently-known worker. Non-fatal: the
// task simply sits in no-worker until topology changes.
type BadRestriction struct {
	Key    string
	Reason string
}

func (e *BadRestriction) Error() string {
	return fmt.Sprintf("task %s has no satisfying worker: %s", e.Key, e.Reason)
}

// ProtocolError is an unparseable message from a peer. The message is
// logged and dropped; the peer connection stays up.
type ProtocolError struct {
	Peer string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %v", e.Peer, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Key, e.Reason)
}

// AdaptiveError wraps a resource-manager failure observed by the
// adaptive control loop. Retried with backoff; persistent failure
// stops the adaptive loop but not the scheduler.
type AdaptiveError struct {
	Attempt int
	Err     error
}

func (e *AdaptiveError) Error() string {
	return fmt.Sprintf("adaptive tick failed (attempt %d): %v", e.Attempt, e.Err)
}

func (e *AdaptiveError) Unwrap() error { return e.Err }
