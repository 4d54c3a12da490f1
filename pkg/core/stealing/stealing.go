package stealing

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

// maxLevel bounds the exponential duration bucketing: level 0 is
// sub-millisecond, level maxLevel is anything over roughly 16 seconds.
const maxLevel = 14

// level buckets a duration into a power-of-two latency class.
func level(d time.Duration) int {
	ms := d.Milliseconds()
	if ms < 1 {
		return 0
	}
	lvl := 0
	for ms > 1 && lvl < maxLevel {
		ms >>= 1
		lvl++
	}
	return lvl
}

// Transfer is one in-flight steal: task key moving from one worker to
// another, identified by a unique transfer ID so a duplicate steal
// attempt racing the first can be detected and dropped.
type Transfer struct {
	ID   string
	Seq  uint64
	Key  string
	From string
	To   string
}

// Engine proposes steals and tracks in-flight transfers. It does not
// itself move data — a proposal becomes real once the transport layer
// confirms the task actually landed on the new worker, at which point
// the caller calls Confirm.
type Engine struct {
	s         *store.Store
	bandwidth float64 // bytes/s, from config.Snapshot.Bandwidth

	mu       sync.Mutex
	inFlight map[string]Transfer // task key -> transfer
	seq      uint64
}

// New returns a stealing engine bound to s, using bandwidth (bytes/s)
// for §4.5's migration-cost-vs-queued-wait comparison.
func New(s *store.Store, bandwidth float64) *Engine {
	if bandwidth <= 0 {
		bandwidth = 100_000_000
	}
	return &Engine{s: s, bandwidth: bandwidth, inFlight: make(map[string]Transfer)}
}

// Propose scans idle and saturated workers and returns one steal
// proposal per idle worker that has a suitable donor, skipping any
// task already in flight. Callers apply proposals via the transition
// engine (processing task moves to a different ProcessingOn) once
// the transport layer acknowledges the move.
func (e *Engine) Propose() []Transfer {
	idle := e.s.IdleWorkers()
	saturated := e.s.SaturatedWorkers()
	if len(idle) == 0 || len(saturated) == 0 {
		return nil
	}

	var proposals []Transfer
	for _, idleAddr := range idle {
		idleWorker := e.s.GetWorker(idleAddr)
		if idleWorker == nil {
			continue
		}
		donor, key, ok := e.pickDonor(saturated, idleWorker)
		if !ok {
			continue
		}

		e.mu.Lock()
		e.seq++
		tr := Transfer{ID: uuid.NewString(), Seq: e.seq, Key: key, From: donor, To: idleAddr}
		e.inFlight[key] = tr
		e.mu.Unlock()

		proposals = append(proposals, tr)
	}
	return proposals
}

// pickDonor finds the cheapest stealable task on any saturated worker
// for the idle worker to take: specifically, the shallowest (lowest-level) task
// a donor is running that is not already in flight, that the idle
// worker actually satisfies the restrictions of, and whose migration
// cost is strictly cheaper than leaving it queued on the donor (§4.5).
func (e *Engine) pickDonor(saturated []string, idleWorker *types.Worker) (donor, key string, ok bool) {
	bestLevel := maxLevel + 1
	for _, addr := range saturated {
		w := e.s.GetWorker(addr)
		if w == nil {
			continue
		}
		for taskKey, dur := range w.Processing {
			e.mu.Lock()
			_, busy := e.inFlight[taskKey]
			e.mu.Unlock()
			if busy {
				continue
			}
			t := e.s.GetTask(taskKey)
			if t == nil {
				continue
			}
			if _, satisfies := e.s.ValidWorkersFor(t)[idleWorker.Address]; !satisfies {
				continue
			}
			if e.migrationCost(t, idleWorker) >= w.Occupancy.Seconds() {
				continue
			}
			lvl := level(dur)
			if lvl < bestLevel {
				bestLevel, donor, key, ok = lvl, addr, taskKey, true
			}
		}
	}
	return donor, key, ok
}

// migrationCost estimates the seconds needed to ship to dst whichever
// of t's dependencies it does not already hold, the same comm-cost
// shape the placement engine uses for worker_objective (§4.2, §4.5).
func (e *Engine) migrationCost(t *types.Task, dst *types.Worker) float64 {
	var missing int64
	for dep := range t.Dependencies {
		dt := e.s.GetTask(dep)
		if dt == nil || dt.NBytes < 0 {
			continue
		}
		if _, local := dst.HasWhat[dep]; !local {
			missing += dt.NBytes
		}
	}
	return float64(missing) / e.bandwidth
}

// Confirm marks a transfer as complete, removing it from the in-flight
// table so the task key becomes stealable again in the future.
func (e *Engine) Confirm(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}

// Cancel aborts a pending transfer without applying it, e.g. because
// the donor worker disappeared before the steal completed.
func (e *Engine) Cancel(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}

// InFlightCount reports the number of transfers currently pending.
func (e *Engine) InFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}
