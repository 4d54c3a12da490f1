package occupancy

import (
	"time"

	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

// Thresholds for check_idle_saturated (§4.4), taken literally from the
// spec: a worker is idle if it is carrying fewer tasks than it has
// cores, or if its occupancy per core is under half the cluster
// average. It is saturated only once its backlog is both absolutely
// (>0.4) and relatively (>1.9x average) above what its cores can soak
// up per unit time.
const (
	idleAverageFactor      = 0.5
	saturatedPendingFloor  = 0.4
	saturatedAverageFactor = 1.9
)

// Tracker recomputes the cluster's idle/saturated sets from each
// worker's current occupancy. It holds no ticker of its own when embedded by
// the scheduler's run loop; Start/Stop below are provided for standalone
// use and tests.
type Tracker struct {
	s *store.Store

	stopCh chan struct{}
	ticker *time.Ticker
	done   chan struct{}
}

// New returns a tracker bound to s.
func New(s *store.Store) *Tracker {
	return &Tracker{s: s}
}

// Recompute reclassifies every worker as idle, saturated, or neither
// from its occupancy as it stands. It does not re-derive the
// per-task duration contributions or the workers' occupancy totals
// from the current prefix EWMAs; those keep the values reserved when
// each task was placed.
func (tr *Tracker) Recompute() {
	workers := tr.s.ListWorkers()
	if len(workers) == 0 {
		return
	}

	var totalOccupancy float64
	var totalNCores int
	for _, w := range workers {
		totalOccupancy += w.Occupancy.Seconds()
		totalNCores += w.NCores
	}
	if totalNCores < 1 {
		totalNCores = 1
	}
	average := totalOccupancy / float64(totalNCores)

	for _, w := range workers {
		idle, saturated := classify(w, average)
		tr.s.SetIdle(w.Address, idle)
		tr.s.SetSaturated(w.Address, saturated)
	}
}

// classify implements §4.4's check_idle_saturated literally: avg is
// total_occupancy/total_ncores across the whole cluster, p is w's
// processing-set size, nc is w's core count.
func classify(w *types.Worker, avg float64) (idle, saturated bool) {
	nc := w.NCores
	if nc < 1 {
		nc = 1
	}
	p := len(w.Processing)
	occupancy := w.Occupancy.Seconds()

	if p < nc || occupancy/float64(nc) < avg*idleAverageFactor {
		return true, false
	}

	if p > nc {
		pending := occupancy * float64(p-nc) / float64(p*nc)
		if pending > saturatedPendingFloor && pending > avg*saturatedAverageFactor {
			return false, true
		}
	}
	return false, false
}

// Start begins a periodic background recompute, grounded on the
// teacher's Start()/run() ticker-loop idiom. Stop blocks until the
// loop goroutine has exited.
func (tr *Tracker) Start(interval time.Duration) {
	tr.stopCh = make(chan struct{})
	tr.done = make(chan struct{})
	tr.ticker = time.NewTicker(interval)
	go tr.run()
}

func (tr *Tracker) run() {
	defer close(tr.done)
	defer tr.ticker.Stop()
	for {
		select {
		case <-tr.ticker.C:
			tr.Recompute()
		case <-tr.stopCh:
			return
		}
	}
}

// Stop halts the background loop started by Start.
func (tr *Tracker) Stop() {
	if tr.stopCh == nil {
		return
	}
	close(tr.stopCh)
	<-tr.done
}
