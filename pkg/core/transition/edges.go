package transition

import (
	"time"

	coreerrors "github.com/latticesched/lattice/pkg/core/errors"
	"github.com/latticesched/lattice/pkg/core/types"
)

// releasedToWaiting populates waiting_on from dependencies not yet in
// memory and registers this key as a waiter on each. A task with no
// outstanding dependencies is immediately recommended for processing.
func releasedToWaiting(e *Engine, t *types.Task) (map[string]types.State, error) {
	t.WaitingOn = make(map[string]struct{})
	for dep := range t.Dependencies {
		depTask := e.store.GetTask(dep)
		if depTask == nil || depTask.State != types.StateMemory {
			t.WaitingOn[dep] = struct{}{}
			if depTask != nil {
				depTask.Waiters[t.Key] = struct{}{}
			}
		}
	}

	if t.Runnable() {
		return map[string]types.State{t.Key: types.StateProcessing}, nil
	}
	return nil, nil
}

// waitingToProcessing asks the placement engine for a worker. When one
// is found the task is assigned and its occupancy contribution is
// reserved on that worker; when none is found (no valid worker, or
// bad restrictions) the task is parked in no-worker instead, and the
// engine's Transition wrapper detects that t.State already moved.
func waitingToProcessing(e *Engine, t *types.Task) (map[string]types.State, error) {
	w, err := e.placer.DecideWorker(e.store, t)
	if err != nil || w == nil {
		t.State = types.StateNoWorker
		return nil, nil
	}

	dur := estimatedDuration(e, t)
	t.ProcessingOn = w.Address
	w.Processing[t.Key] = dur
	e.store.AdjustOccupancy(w.Address, dur)
	return nil, nil
}

// estimatedDuration reports the expected runtime contribution of t,
// from the running EWMA for its prefix (§4.4).
func estimatedDuration(e *Engine, t *types.Task) time.Duration {
	return e.store.PrefixStats(t.Prefix).MeanDuration
}

// waitingToNoWorker is reached directly when update_graph or a
// restriction-changing stimulus determines immediately that no worker
// can run the task; it's a no-op beyond the state change itself.
func waitingToNoWorker(e *Engine, t *types.Task) (map[string]types.State, error) {
	return nil, nil
}

// noWorkerToWaiting re-attempts placement once cluster topology
// changes (a worker joins, or a restriction is relaxed). It simply
// asks to be retried as processing; waitingToProcessing will bounce it
// straight back to no-worker if still unsatisfiable.
func noWorkerToWaiting(e *Engine, t *types.Task) (map[string]types.State, error) {
	return map[string]types.State{t.Key: types.StateProcessing}, nil
}

// processingToMemory records the reporting worker in who_has, releases
// the task's occupancy reservation, and recommends every waiter whose
// remaining waiting_on is now empty to move to processing.
func processingToMemory(e *Engine, t *types.Task) (map[string]types.State, error) {
	w := e.store.GetWorker(t.ProcessingOn)
	if w != nil {
		dur := w.Processing[t.Key]
		delete(w.Processing, t.Key)
		e.store.AdjustOccupancy(w.Address, -dur)
		w.HasWhat[t.Key] = struct{}{}
		if t.NBytes >= 0 {
			w.NBytes += t.NBytes
		}
	}
	t.WhoHas[t.ProcessingOn] = struct{}{}
	t.ProcessingOn = ""
	clearWaiterLinks(e, t)

	return resolveWaiters(e, t), nil
}

// clearWaiterLinks removes t from every dependency's waiters set.
// Called whenever t leaves the waiting/processing pair — waiters must
// only ever contain dependents currently waiting or processing (§3
// invariant 5); releasedToWaiting re-registers the links if the task
// comes back around.
func clearWaiterLinks(e *Engine, t *types.Task) {
	for dep := range t.Dependencies {
		if dt := e.store.GetTask(dep); dt != nil {
			delete(dt.Waiters, t.Key)
		}
	}
}

// resolveWaiters clears t.Key out of every waiter's waiting_on set and
// recommends any waiter that is now fully runnable to processing. Split
// out of processingToMemory so the external-report path (a worker
// joining already holding a key, or a client scattering raw data)
// shares the exact same unblocking logic without re-deriving it.
func resolveWaiters(e *Engine, t *types.Task) map[string]types.State {
	recs := make(map[string]types.State)
	for waiter := range t.Waiters {
		wt := e.store.GetTask(waiter)
		if wt == nil {
			continue
		}
		delete(wt.WaitingOn, t.Key)
		if wt.Runnable() && wt.State == types.StateWaiting {
			recs[waiter] = types.StateProcessing
		}
	}
	if len(recs) == 0 {
		return nil
	}
	return recs
}

// anyToMemoryDirect is reached when a key's residency is reported
// externally rather than produced by this task's own computation: a
// worker registering with already-known keys (§4.3 AddWorker) or a
// client scattering raw data onto a worker (§4.3 Scatter). The caller
// has already updated who_has/has_what bookkeeping before recommending
// Memory, so this edge only needs to unblock anything waiting on the
// key, same as the tail of processingToMemory.
func anyToMemoryDirect(e *Engine, t *types.Task) (map[string]types.State, error) {
	clearWaiterLinks(e, t)
	return resolveWaiters(e, t), nil
}

// processingToWaiting is the retry edge: task_erred takes it when a
// worker-reported failure still has retry budget. The occupancy
// reservation is returned, the worker linkage cleared, and waiting_on
// recomputed exactly as a fresh released->waiting entry would — a
// dependency evicted since the first attempt is waited on again, and a
// fully-runnable task is recommended straight back to placement.
func processingToWaiting(e *Engine, t *types.Task) (map[string]types.State, error) {
	if w := e.store.GetWorker(t.ProcessingOn); w != nil {
		dur := w.Processing[t.Key]
		delete(w.Processing, t.Key)
		e.store.AdjustOccupancy(w.Address, -dur)
	}
	t.ProcessingOn = ""
	return releasedToWaiting(e, t)
}

// processingToReleased is reached when a worker is lost mid-computation:
// the task returns to released so it can be rescheduled from scratch.
func processingToReleased(e *Engine, t *types.Task) (map[string]types.State, error) {
	if w := e.store.GetWorker(t.ProcessingOn); w != nil {
		dur := w.Processing[t.Key]
		delete(w.Processing, t.Key)
		e.store.AdjustOccupancy(w.Address, -dur)
	}
	t.ProcessingOn = ""
	clearWaiterLinks(e, t)
	if len(t.Waiters) > 0 || len(t.WhoWants) > 0 {
		return map[string]types.State{t.Key: types.StateWaiting}, nil
	}
	return nil, nil
}

// processingToErred is only ever reached once the task_erred and
// remove_worker stimulus handlers have already decided, from the
// task's suspicious count and (for task_erred) its retry budget, that
// this failure is terminal rather than retryable — a retryable
// failure is recommended waiting (task_erred) or released
// (remove_worker) instead, and never touches this edge at all. This edge's job is purely the table's terminal effects:
// clear the worker linkage, stamp exception_blame, and cascade the
// same blame to every live dependent (§4.1, §4.8, P10).
func processingToErred(e *Engine, t *types.Task) (map[string]types.State, error) {
	if w := e.store.GetWorker(t.ProcessingOn); w != nil {
		dur := w.Processing[t.Key]
		delete(w.Processing, t.Key)
		e.store.AdjustOccupancy(w.Address, -dur)
	}
	lastWorker := t.ProcessingOn
	t.ProcessingOn = ""
	clearWaiterLinks(e, t)

	if t.ExceptionBlame == "" {
		t.ExceptionBlame = t.Key
	}
	if e.allowedFailuresExceeded(t) {
		err := &coreerrors.PoisonedTaskError{
			Key:   t.Key,
			Cause: &coreerrors.KilledWorker{Key: t.Key, LastWorker: lastWorker},
		}
		e.log.Error().Err(err).Str("key", t.Key).Msg("task poisoned, will not retry")
	}
	return cascadeErredToDependents(e, t), nil
}

// anyToErred is reached by a dependent that was sitting in released,
// waiting, or no-worker when its upstream blame task failed; it never
// runs retry logic of its own; it only carries the blame onward.
func anyToErred(e *Engine, t *types.Task) (map[string]types.State, error) {
	clearWaiterLinks(e, t)
	return cascadeErredToDependents(e, t), nil
}

// cascadeErredToDependents recommends every still-live dependent of t
// to erred, stamping each with t's exception_blame so the whole
// downstream fan-out reports the same originating failure (§4.1,
// §4.8, P10). Dependents already in memory, erred, or forgotten are
// left alone — a completed result doesn't get invalidated by a
// failure that happens after it was already computed.
func cascadeErredToDependents(e *Engine, t *types.Task) map[string]types.State {
	recs := make(map[string]types.State)
	for dep := range t.Dependents {
		dt := e.store.GetTask(dep)
		if dt == nil {
			continue
		}
		switch dt.State {
		case types.StateMemory, types.StateErred, types.StateForgotten:
			continue
		case types.StateProcessing:
			if w := e.store.GetWorker(dt.ProcessingOn); w != nil {
				dur := w.Processing[dt.Key]
				delete(w.Processing, dt.Key)
				e.store.AdjustOccupancy(w.Address, -dur)
			}
			dt.ProcessingOn = ""
		}
		dt.ExceptionBlame = t.ExceptionBlame
		recs[dep] = types.StateErred
	}
	if len(recs) == 0 {
		return nil
	}
	return recs
}

// memoryToReleased evicts the task from every worker's who_has and
// reconciles anything still consuming it: a waiting dependent starts
// waiting on this key again, a processing dependent is released so it
// re-fetches its inputs, and if anyone still needs the result the
// task itself is recommended back to waiting for recomputation (only
// possible with a run_spec — a pure-data task's loss is the stimulus
// layer's problem, which forgets it instead). With nothing consuming
// or wanting it, the task is forgotten outright.
func memoryToReleased(e *Engine, t *types.Task) (map[string]types.State, error) {
	for addr := range t.WhoHas {
		if w := e.store.GetWorker(addr); w != nil {
			if _, held := w.HasWhat[t.Key]; held && t.NBytes >= 0 {
				w.NBytes -= t.NBytes
			}
			delete(w.HasWhat, t.Key)
		}
	}
	t.WhoHas = make(map[string]struct{})

	recs := make(map[string]types.State)
	needed := len(t.WhoWants) > 0
	for waiter := range t.Waiters {
		wt := e.store.GetTask(waiter)
		if wt == nil {
			continue
		}
		switch wt.State {
		case types.StateWaiting:
			wt.WaitingOn[t.Key] = struct{}{}
			needed = true
		case types.StateProcessing:
			recs[waiter] = types.StateReleased
			needed = true
		}
	}
	if needed && t.HasRunSpec() {
		recs[t.Key] = types.StateWaiting
	}

	if len(recs) == 0 {
		if len(t.Dependents) == 0 && len(t.WhoWants) == 0 {
			return map[string]types.State{t.Key: types.StateForgotten}, nil
		}
		return nil, nil
	}
	return recs, nil
}

// erredToWaiting is the explicit retry path: clear the exception
// payload and blame, then recompute waiting_on exactly as a fresh
// released->waiting entry would, so a dependency that left memory
// since the failure is waited on again rather than assumed resident.
func erredToWaiting(e *Engine, t *types.Task) (map[string]types.State, error) {
	t.Exception = nil
	t.Traceback = nil
	t.ExceptionBlame = ""
	return releasedToWaiting(e, t)
}

// anyToReleasedNoop backs waiting/no-worker -> released: a cancellation
// or dependency removal with nothing left to compute. The task never
// reserved worker resources in those states, so only its waiter links
// need dropping.
func anyToReleasedNoop(e *Engine, t *types.Task) (map[string]types.State, error) {
	clearWaiterLinks(e, t)
	return nil, nil
}

// anyToForgotten is the terminal sink, reached once a task has no
// dependents and no client wants it. It fully unlinks the task from
// every neighbor before the caller deletes its table entry.
//
// Forgetting one task can make an ancestor eligible for forgetting too
// (it just lost its last dependent), and a multi-level chain only
// fully unwinds if that ancestor is re-examined — the initial
// recommendation map a stimulus hands to Engine.Apply iterates in
// Go's randomized map order, so relying on the caller to have already
// queued the ancestor would make convergence depend on luck. Instead
// every neighbor whose Dependents/WaitingOn this edge just touched is
// re-checked here and, if now eligible, pushed back onto Apply's
// worklist via the returned recommendation map, so the cascade
// converges regardless of initial ordering (spec.md Scenario 5).
func anyToForgotten(e *Engine, t *types.Task) (map[string]types.State, error) {
	recs := make(map[string]types.State)
	for dep := range t.Dependencies {
		if dt := e.store.GetTask(dep); dt != nil {
			delete(dt.Dependents, t.Key)
			delete(dt.Waiters, t.Key)
			if len(dt.Dependents) == 0 && len(dt.WhoWants) == 0 {
				recs[dt.Key] = types.StateForgotten
			}
		}
	}
	for dep := range t.Dependents {
		if dt := e.store.GetTask(dep); dt != nil {
			delete(dt.Dependencies, t.Key)
			delete(dt.WaitingOn, t.Key)
			if dt.Runnable() && dt.State == types.StateWaiting {
				recs[dt.Key] = types.StateProcessing
			}
		}
	}
	for addr := range t.WhoHas {
		if w := e.store.GetWorker(addr); w != nil {
			if _, held := w.HasWhat[t.Key]; held && t.NBytes >= 0 {
				w.NBytes -= t.NBytes
			}
			delete(w.HasWhat, t.Key)
		}
	}
	e.store.DeleteTask(t.Key)
	if len(recs) == 0 {
		return nil, nil
	}
	return recs, nil
}
