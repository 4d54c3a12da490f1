// Package store owns the scheduler's three entity tables — tasks,
// workers, clients — and the auxiliary indexes §2 of the spec calls
// out: idle/saturated worker sets, the unrunnable task set, and a
// host-to-workers aggregate. It is the scheduler's single source of
// truth; every other core package reads and writes through it.
//
// The store itself does not apply transitions — that is
// pkg/core/transition's job — but it is where the eight invariants of
// §3 ultimately have to hold, so its mutation methods are narrow and
// named for what callers actually need (TasksByState, ValidWorkersFor,
// WorkersOnHost) rather than re-derivable "view" façades, per §9's
// redesign flag against legacy mapping façades.
package store

import (
	"sync"
	"time"

	"github.com/latticesched/lattice/pkg/core/types"
)

// Store holds all scheduler state. Its methods are not safe to call
// concurrently from outside the single-threaded event loop that owns
// it; the mutex exists to make Snapshot/metrics collection safe from a
// background goroutine, matching the teacher's mu-guarded components.
type Store struct {
	mu sync.RWMutex

	tasks   map[string]*types.Task
	workers map[string]*types.Worker
	clients map[string]*types.Client

	idle       map[string]struct{}
	saturated  map[string]struct{}
	unrunnable map[string]struct{}

	hostWorkers map[string]map[string]struct{}

	prefixStats map[string]*types.PrefixStats

	totalOccupancy time.Duration
	totalNCores    int
	generation     int64

	Log *RingLog
}

// New returns an empty store with a ring log sized per config.
func New(ringLogSize int) *Store {
	return &Store{
		tasks:       make(map[string]*types.Task),
		workers:     make(map[string]*types.Worker),
		clients:     make(map[string]*types.Client),
		idle:        make(map[string]struct{}),
		saturated:   make(map[string]struct{}),
		unrunnable:  make(map[string]struct{}),
		hostWorkers: make(map[string]map[string]struct{}),
		prefixStats: make(map[string]*types.PrefixStats),
		Log:         NewRingLog(ringLogSize),
	}
}

// --- Tasks ---

// CreateTask inserts a new task. Returns false if the key already exists.
func (s *Store) CreateTask(t *types.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.Key]; exists {
		return false
	}
	s.tasks[t.Key] = t
	return true
}

// GetTask returns the task for key, or nil if it doesn't exist.
func (s *Store) GetTask(key string) *types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[key]
}

// GetOrCreateTask returns the existing task for key, creating a new
// released one if absent.
func (s *Store) GetOrCreateTask(key string) (*types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[key]; ok {
		return t, false
	}
	t := types.NewTask(key)
	s.tasks[key] = t
	return t, true
}

// ListTasks returns every task, in no particular order.
func (s *Store) ListTasks() []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// TasksByState returns every task currently in the given state.
func (s *Store) TasksByState(state types.State) []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.State == state {
			out = append(out, t)
		}
	}
	return out
}

// DeleteTask removes a task's table entry. Callers must have already
// unlinked it from every neighbor's set (dependencies/dependents,
// who_has, who_wants) before calling this — DeleteTask does not cascade.
func (s *Store) DeleteTask(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, key)
	delete(s.unrunnable, key)
}

// NextGeneration returns a fresh, increasing generation number for
// priority assignment (§4.3 update_graph).
func (s *Store) NextGeneration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	return s.generation
}

// --- Unrunnable index ---

func (s *Store) MarkUnrunnable(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unrunnable[key] = struct{}{}
}

func (s *Store) ClearUnrunnable(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unrunnable, key)
}

func (s *Store) IsUnrunnable(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.unrunnable[key]
	return ok
}

func (s *Store) Unrunnable() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.unrunnable))
	for k := range s.unrunnable {
		out = append(out, k)
	}
	return out
}

// --- Workers ---

// CreateWorker inserts a new worker and indexes it by host.
func (s *Store) CreateWorker(w *types.Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[w.Address]; exists {
		return false
	}
	s.workers[w.Address] = w
	if s.hostWorkers[w.Host] == nil {
		s.hostWorkers[w.Host] = make(map[string]struct{})
	}
	s.hostWorkers[w.Host][w.Address] = struct{}{}
	s.totalNCores += w.NCores
	return true
}

func (s *Store) GetWorker(address string) *types.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[address]
}

func (s *Store) ListWorkers() []*types.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// DeleteWorker removes a worker's table entry and its host index entry.
// Callers must already have reassigned its processing tasks and
// evicted its memory holdings (§3 worker destruction lifecycle).
func (s *Store) DeleteWorker(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[address]
	if !ok {
		return
	}
	if hosts := s.hostWorkers[w.Host]; hosts != nil {
		delete(hosts, address)
		if len(hosts) == 0 {
			delete(s.hostWorkers, w.Host)
		}
	}
	s.totalNCores -= w.NCores
	s.totalOccupancy -= w.Occupancy
	delete(s.workers, address)
	delete(s.idle, address)
	delete(s.saturated, address)
}

// WorkersOnHost returns the addresses of workers on a given host.
func (s *Store) WorkersOnHost(host string) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.hostWorkers[host]))
	for addr := range s.hostWorkers[host] {
		out[addr] = struct{}{}
	}
	return out
}

// --- Occupancy accounting (§3 invariant 7/8) ---

// AdjustOccupancy changes a worker's occupancy by delta and keeps the
// cluster-wide total_occupancy in sync in the same call, so the two
// can never drift relative to each other.
func (s *Store) AdjustOccupancy(address string, delta time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workers[address]
	if w == nil {
		return
	}
	w.Occupancy += delta
	s.totalOccupancy += delta
}

func (s *Store) TotalOccupancy() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalOccupancy
}

func (s *Store) TotalNCores() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalNCores
}

// --- Idle / saturated index (§4.4) ---

func (s *Store) SetIdle(address string, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idle {
		s.idle[address] = struct{}{}
	} else {
		delete(s.idle, address)
	}
}

func (s *Store) SetSaturated(address string, saturated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if saturated {
		s.saturated[address] = struct{}{}
	} else {
		delete(s.saturated, address)
	}
}

func (s *Store) IdleWorkers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.idle))
	for a := range s.idle {
		out = append(out, a)
	}
	return out
}

func (s *Store) SaturatedWorkers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.saturated))
	for a := range s.saturated {
		out = append(out, a)
	}
	return out
}

// --- Clients ---

func (s *Store) CreateClient(c *types.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[c.ID]; exists {
		return false
	}
	s.clients[c.ID] = c
	return true
}

func (s *Store) GetClient(id string) *types.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

func (s *Store) ListClients() []*types.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Store) DeleteClient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
}

// --- Prefix duration statistics (§4.4) ---

func (s *Store) PrefixStats(prefix string) *types.PrefixStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.prefixStats[prefix]
	if !ok {
		ps = types.NewPrefixStats()
		s.prefixStats[prefix] = ps
	}
	return ps
}

// --- Valid-worker resolution used by the placement engine (§4.2) ---

// ValidWorkersFor returns the set of worker addresses satisfying a
// task's worker/host/resource restrictions. It does not report
// separately whether a non-empty restriction set was unsatisfiable;
// an empty result is all the caller sees.
func (s *Store) ValidWorkersFor(t *types.Task) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make(map[string]struct{}, len(s.workers))
	for addr, w := range s.workers {
		if w.Status != types.WorkerConnected {
			continue
		}
		candidates[addr] = struct{}{}
	}

	if len(t.WorkerRestrictions) > 0 {
		for addr := range candidates {
			if _, ok := t.WorkerRestrictions[addr]; !ok {
				delete(candidates, addr)
			}
		}
	}

	if len(t.HostRestrictions) > 0 {
		allowed := make(map[string]struct{})
		for host := range t.HostRestrictions {
			for addr := range s.hostWorkers[host] {
				allowed[addr] = struct{}{}
			}
		}
		for addr := range candidates {
			if _, ok := allowed[addr]; !ok {
				delete(candidates, addr)
			}
		}
	}

	for res, qty := range t.ResourceRestrictions {
		for addr := range candidates {
			w := s.workers[addr]
			if w.Resources[res] < qty {
				delete(candidates, addr)
			}
		}
	}

	return candidates
}

// Snapshot is a point-in-time, read-only view used by the metrics
// collector and by tests asserting §8's property invariants.
type Snapshot struct {
	TaskCountByState map[types.State]int
	WorkerCount      int
	ClientCount      int
	IdleCount        int
	SaturatedCount   int
	UnrunnableCount  int
	TotalOccupancy   time.Duration
	TotalNCores      int
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		TaskCountByState: make(map[types.State]int),
		WorkerCount:      len(s.workers),
		ClientCount:      len(s.clients),
		IdleCount:        len(s.idle),
		SaturatedCount:   len(s.saturated),
		UnrunnableCount:  len(s.unrunnable),
		TotalOccupancy:   s.totalOccupancy,
		TotalNCores:      s.totalNCores,
	}
	for _, t := range s.tasks {
		snap.TaskCountByState[t.State]++
	}
	return snap
}
