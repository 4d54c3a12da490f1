package placement

import (
	"sort"

	coreerrors "github.com/latticesched/lattice/pkg/core/errors"
	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

// idleScanCutoff bounds the linear scan over the idle set; past it the
// round-robin pick switches to a modulo index (§4.2).
const idleScanCutoff = 20

// Engine picks a worker for a waiting task using the candidate set
// restriction rules plus a cost function weighing data locality
// against occupancy.
type Engine struct {
	bandwidth float64 // bytes/s, from config.Snapshot.Bandwidth
	rr        uint64  // round-robin cursor over the idle set
}

// New returns a placement engine that ranks candidates using the
// given network bandwidth estimate for transfer-cost scoring.
func New(bandwidth float64) *Engine {
	if bandwidth <= 0 {
		bandwidth = 100_000_000
	}
	return &Engine{bandwidth: bandwidth}
}

// score is the per-candidate cost: lower is better. worker_objective
// per §4.2 is the pair (start_time, w.nbytes); nbytes is the secondary
// tie-break field, not anything derived from processing count.
type score struct {
	transferSeconds  float64
	occupancySeconds float64
	nbytes           int64
}

func (s score) total() float64 {
	return s.transferSeconds + s.occupancySeconds
}

// DecideWorker returns the best-ranked worker for t, or (nil, nil) if
// the cluster currently has no candidate (the caller should then park
// the task in no-worker, not treat this as an error). It returns a
// *BadRestriction error only when the task's restrictions are
// non-empty, unsatisfiable, and not marked loose.
func (e *Engine) DecideWorker(s *store.Store, t *types.Task) (*types.Worker, error) {
	valid := s.ValidWorkersFor(t)
	if len(valid) == 0 {
		hasRestrictions := len(t.WorkerRestrictions) > 0 || len(t.HostRestrictions) > 0 || len(t.ResourceRestrictions) > 0
		if hasRestrictions {
			if !t.LooseRestrictions {
				return nil, &coreerrors.BadRestriction{Key: t.Key, Reason: "no worker satisfies restrictions"}
			}
			// Loose restrictions are a preference, not a constraint:
			// with nothing satisfying them, fall back to the whole
			// connected pool.
			valid = anyConnected(s)
		}
		if len(valid) == 0 {
			return nil, nil
		}
	}

	candidates := e.candidates(s, t, valid)

	var best *types.Worker
	var bestScore score
	for addr := range candidates {
		w := s.GetWorker(addr)
		if w == nil {
			continue
		}
		sc := e.scoreFor(s, t, w)
		if best == nil || sc.total() < bestScore.total() ||
			(sc.total() == bestScore.total() && sc.nbytes < bestScore.nbytes) {
			best, bestScore = w, sc
		}
	}
	return best, nil
}

// candidates narrows the valid set per §4.2: workers already holding
// any of t's dependencies when it has some, a round-robin pick from
// the idle set when it has none, the whole valid pool as a last
// resort (worker_objective's occupancy term then selects the
// least-occupied of them).
func (e *Engine) candidates(s *store.Store, t *types.Task, valid map[string]struct{}) map[string]struct{} {
	if len(t.Dependencies) > 0 {
		holders := make(map[string]struct{})
		for dep := range t.Dependencies {
			dt := s.GetTask(dep)
			if dt == nil {
				continue
			}
			for addr := range dt.WhoHas {
				if _, ok := valid[addr]; ok {
					holders[addr] = struct{}{}
				}
			}
		}
		if len(holders) > 0 {
			return holders
		}
		return valid
	}

	idle := make([]string, 0)
	for _, addr := range s.IdleWorkers() {
		if _, ok := valid[addr]; ok {
			idle = append(idle, addr)
		}
	}
	if len(idle) > 0 {
		if len(idle) <= idleScanCutoff {
			out := make(map[string]struct{}, len(idle))
			for _, addr := range idle {
				out[addr] = struct{}{}
			}
			return out
		}
		sort.Strings(idle)
		pick := idle[e.rr%uint64(len(idle))]
		e.rr++
		return map[string]struct{}{pick: {}}
	}

	return valid
}

// anyConnected is the unrestricted candidate pool used by the loose
// fallback.
func anyConnected(s *store.Store) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range s.ListWorkers() {
		if w.Status == types.WorkerConnected {
			out[w.Address] = struct{}{}
		}
	}
	return out
}

// scoreFor computes the transfer cost of fetching whichever of t's
// dependencies w does not already hold, plus w's current occupancy
// per core, so that placement prefers workers that are both already
// warm with the task's inputs and currently under-loaded.
func (e *Engine) scoreFor(s *store.Store, t *types.Task, w *types.Worker) score {
	var missing int64
	for dep := range t.Dependencies {
		dt := s.GetTask(dep)
		if dt == nil || dt.NBytes < 0 {
			continue
		}
		if _, local := w.HasWhat[dep]; !local {
			missing += dt.NBytes
		}
	}

	ncores := w.NCores
	if ncores < 1 {
		ncores = 1
	}

	return score{
		transferSeconds:  float64(missing) / e.bandwidth,
		occupancySeconds: w.Occupancy.Seconds() / float64(ncores),
		nbytes:           w.NBytes,
	}
}
