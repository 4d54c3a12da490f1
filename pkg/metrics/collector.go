package metrics

import (
	"time"

	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

// collectInterval matches the teacher's own metrics collector cadence.
const collectInterval = 15 * time.Second

// Collector periodically snapshots a store into the package's
// Prometheus gauges/counters.
type Collector struct {
	store  *store.Store
	stopCh chan struct{}
}

// NewCollector returns a collector bound to s.
func NewCollector(s *store.Store) *Collector {
	return &Collector{
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on its own ticker, separate from the
// scheduler's event loop since metrics collection only reads the
// store through its RWMutex-guarded Snapshot and ListWorkers and never
// needs to run on the
// single-threaded goroutine that owns mutation.
func (c *Collector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectWorkerMetrics()
	c.collectTaskMetrics()
	c.collectClusterMetrics()
}

func (c *Collector) collectWorkerMetrics() {
	statusCounts := make(map[types.WorkerStatus]int)
	for _, w := range c.store.ListWorkers() {
		statusCounts[w.Status]++
	}
	for status, count := range statusCounts {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectTaskMetrics() {
	snap := c.store.Snapshot()
	for state, count := range snap.TaskCountByState {
		TasksTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	ClientsTotal.Set(float64(snap.ClientCount))
	IdleWorkers.Set(float64(snap.IdleCount))
	SaturatedWorkers.Set(float64(snap.SaturatedCount))
	UnrunnableTasks.Set(float64(snap.UnrunnableCount))
}

func (c *Collector) collectClusterMetrics() {
	snap := c.store.Snapshot()
	ClusterOccupancySeconds.Set(snap.TotalOccupancy.Seconds())
	ClusterNCores.Set(float64(snap.TotalNCores))
}
