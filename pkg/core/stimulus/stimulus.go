package stimulus

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/latticesched/lattice/pkg/config"
	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

// Recs is the recommendation map every handler returns: the caller
// runs it through (*transition.Engine).Apply after the handler
// returns, per §5's "stimulus-plus-transition-closure is atomic" rule.
type Recs map[string]types.State

// AddWorker registers a newly connected worker, per §4.3. Known
// in-memory keys are folded in directly: the task is stamped with this
// worker as an additional (or first) holder and recommended to memory,
// letting the transition engine's generic "now in memory" effects
// (propagating to waiters) run uniformly regardless of whether the
// data arrived via normal computation or a worker self-report.
//
// Any task parked in no-worker whose restrictions the new worker now
// satisfies is recommended back to waiting so placement gets another
// shot at it. The caller also receives the heartbeat interval this
// worker should be told to use, a function of post-join cluster size.
func AddWorker(s *store.Store, w *types.Worker, knownKeys map[string]int64) (Recs, time.Duration) {
	s.CreateWorker(w)

	recs := make(Recs)
	for key, nbytes := range knownKeys {
		t, created := s.GetOrCreateTask(key)
		if created {
			t.NBytes = nbytes
		}
		t.WhoHas[w.Address] = struct{}{}
		w.HasWhat[key] = struct{}{}
		if nbytes >= 0 {
			t.NBytes = nbytes
			w.NBytes += nbytes
		}
		if t.State != types.StateMemory {
			recs[key] = types.StateMemory
		}
	}

	for _, key := range s.Unrunnable() {
		t := s.GetTask(key)
		if t == nil || t.State != types.StateNoWorker {
			continue
		}
		valid := s.ValidWorkersFor(t)
		hasRestrictions := len(t.WorkerRestrictions) > 0 || len(t.HostRestrictions) > 0 || len(t.ResourceRestrictions) > 0
		if len(valid) > 0 || !hasRestrictions || t.LooseRestrictions {
			recs[key] = types.StateWaiting
			s.ClearUnrunnable(key)
		}
	}

	return recs, config.HeartbeatInterval(len(s.ListWorkers()))
}

// RemoveWorker tears a lost or unregistered worker out of the cluster,
// per §3's worker-destruction lifecycle and §4.3/§4.8's failure
// semantics. safe distinguishes a graceful unregister (no penalty to
// its in-flight tasks' suspicious counters) from an abrupt loss. An
// abrupt loss bumps each processing task's suspicious counter directly
// and recommends released (to be re-placed on another worker) unless
// that bump has now pushed it over allowedFailures, in which case it
// is recommended straight to erred with a KilledWorker cause —
// exactly §4.3's remove_worker bullet, decided here rather than in the
// processing->erred edge, since the common case never touches erred
// at all.
func RemoveWorker(s *store.Store, address string, safe bool, allowedFailures int) Recs {
	w := s.GetWorker(address)
	if w == nil {
		return nil
	}

	recs := make(Recs)
	for key := range w.Processing {
		t := s.GetTask(key)
		if t == nil {
			continue
		}
		if !safe {
			t.Suspicious++
			limit := t.AllowedFails
			if limit == 0 {
				limit = allowedFailures
			}
			if t.Suspicious > limit {
				recs[key] = types.StateErred
			} else {
				recs[key] = types.StateReleased
			}
		} else {
			recs[key] = types.StateReleased
		}
	}

	for key := range w.HasWhat {
		t := s.GetTask(key)
		if t == nil {
			continue
		}
		delete(t.WhoHas, address)
		if len(t.WhoHas) > 0 {
			continue
		}
		if !t.HasRunSpec() {
			recs[key] = types.StateForgotten
		} else if t.State == types.StateMemory {
			recs[key] = types.StateReleased
		}
	}

	s.DeleteWorker(address)
	return recs
}

// UpdateGraphRequest carries the new keys and edges a client submitted
// via update-graph, per §4.3.
type UpdateGraphRequest struct {
	RunSpecs             map[string][]byte
	Dependencies         map[string][]string // key -> dependency keys
	HostRestrictions     map[string][]string
	WorkerRestrictions   map[string][]string
	LooseRestrictions    map[string]bool
	ResourceRestrictions map[string]map[string]float64
	Retries              map[string]int
	Priorities           map[string]int64 // explicit order hint, optional
	Keys                 []string          // root keys this client wants
	Client               string
}

// UpdateGraph walks a submitted graph, creating released tasks for any
// key not already known, wiring dependencies/dependents, assigning
// priority, attaching restrictions and resources, registering the
// client's want on every root key, then recommending to waiting every
// touched task that is still released and carries a run_spec, plus
// every wanted root key that is still released, per §4.3.
//
// Priority assignment follows the original scheduler's rule: a newly
// submitted task that is itself a dependency of an already-known task
// inherits that parent's generation one order slot ahead of it (so it
// resolves first); everything else gets a fresh generation and is
// ordered by submission sequence within this call.
func UpdateGraph(s *store.Store, req UpdateGraphRequest) Recs {
	recs := make(Recs)
	generation := s.NextGeneration()

	var order int64
	for _, key := range sortedKeys(req.RunSpecs, req.Dependencies) {
		t, created := s.GetOrCreateTask(key)
		if created {
			if rs, ok := req.RunSpecs[key]; ok {
				t.RunSpec = rs
			}
			t.Priority = priorityFor(s, t, key, generation, order, req.Dependencies)
			order++
		}

		for _, dep := range req.Dependencies[key] {
			dt, depCreated := s.GetOrCreateTask(dep)
			if depCreated {
				dt.Priority = types.Priority{Generation: generation, Order: order}
				order++
			}
			t.Dependencies[dep] = struct{}{}
			dt.Dependents[key] = struct{}{}
		}

		if hosts, ok := req.HostRestrictions[key]; ok {
			for _, h := range hosts {
				t.HostRestrictions[h] = struct{}{}
			}
		}
		if workers, ok := req.WorkerRestrictions[key]; ok {
			for _, a := range workers {
				t.WorkerRestrictions[a] = struct{}{}
			}
		}
		if loose, ok := req.LooseRestrictions[key]; ok {
			t.LooseRestrictions = loose
		}
		if res, ok := req.ResourceRestrictions[key]; ok {
			for name, qty := range res {
				t.ResourceRestrictions[name] = qty
			}
		}
		if r, ok := req.Retries[key]; ok {
			t.Retries = r
		}
		if p, ok := req.Priorities[key]; ok {
			t.Priority.Order = p
		}
	}

	// Every touched task that carries a run_spec and is still released
	// is recommended to waiting here, regardless of whether a client
	// explicitly asked for it — a computation on the path to a desired
	// key must run whether or not the client named it directly. Only
	// pure-data tasks (no run_spec) are left released until something
	// populates them (scatter, a worker's known-keys report), per
	// released->waiting's precondition in §4.1.
	for _, key := range sortedKeys(req.RunSpecs, req.Dependencies) {
		t := s.GetTask(key)
		if t != nil && t.State == types.StateReleased && t.HasRunSpec() {
			recs[key] = types.StateWaiting
		}
	}

	client := s.GetClient(req.Client)
	if client == nil {
		client = types.NewClient(req.Client)
		s.CreateClient(client)
	}

	for _, key := range req.Keys {
		t := s.GetTask(key)
		if t == nil {
			continue
		}
		t.WhoWants[req.Client] = struct{}{}
		client.WantsWhat[key] = struct{}{}
		if t.State == types.StateReleased {
			recs[key] = types.StateWaiting
		}
	}

	return recs
}

// sortedKeys returns every key named by runSpecs or as a dependency,
// in a stable order (run specs first, in map iteration order extended
// deterministically by the caller's submission), so priority
// assignment within one update_graph call is reproducible given the
// same input maps are walked the same way. Go map iteration itself is
// randomized, so a dedicated ordering pass keeps Generation/Order
// assignment deterministic within a single call instead of depending
// on map iteration for the one thing (ordering) it must not.
func sortedKeys(runSpecs map[string][]byte, dependencies map[string][]string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for k := range runSpecs {
		add(k)
	}
	for k := range dependencies {
		add(k)
	}
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// priorityFor implements "submitting task inherits parent priority
// minus epsilon": if key is itself already a dependency of some
// already-resident task (i.e. it's being submitted to satisfy an
// existing computation rather than starting a fresh generation), it
// sorts one order slot ahead of that parent so it resolves first.
// Otherwise it gets the fresh generation assigned for this whole
// update_graph call, ordered by submission sequence.
func priorityFor(s *store.Store, t *types.Task, key string, generation, order int64, dependencies map[string][]string) types.Priority {
	for parentKey, deps := range dependencies {
		for _, d := range deps {
			if d != key {
				continue
			}
			if parent := s.GetTask(parentKey); parent != nil && parent.Priority != (types.Priority{}) {
				return types.Priority{Generation: parent.Priority.Generation, Order: parent.Priority.Order - 1}
			}
		}
	}
	return types.Priority{Generation: generation, Order: order}
}

// TaskFinished handles a worker's finished report, per §4.3, folding
// the observed compute duration into the task prefix's EWMA (§4.4). If
// the task was not actually processing (e.g. a duplicate or late
// report after the task was already reassigned), the caller should
// send release-task back to the reporting worker instead of touching
// state — that decision is returned via the bool so the transport
// layer knows whether to bother the worker at all.
func TaskFinished(s *store.Store, key, worker string, nbytes int64, duration time.Duration) (Recs, bool) {
	t := s.GetTask(key)
	if t == nil {
		return nil, true
	}
	if t.State == types.StateProcessing && t.ProcessingOn == worker {
		if nbytes >= 0 {
			t.NBytes = nbytes
		}
		if duration > 0 {
			s.PrefixStats(t.Prefix).Observe(duration)
		}
		return Recs{key: types.StateMemory}, false
	}
	if _, has := t.WhoHas[worker]; !has {
		return nil, true
	}
	return nil, false
}

// TaskErred records the worker-reported exception payload, bumps the
// suspicious counter (§4.8's "repeated failure" tracking, which
// applies regardless of the task's own retry budget), and recommends
// waiting directly — the processing->waiting retry edge returns the
// occupancy reservation and re-places the task on a freshly chosen
// worker — as long as neither allowedFailures nor retries has been
// exhausted. Once suspicious exceeds the limit, or retries are already
// spent, it recommends erred instead (§4.3's task_erred bullet).
func TaskErred(s *store.Store, key, worker string, exception, traceback []byte, allowedFailures int) Recs {
	t := s.GetTask(key)
	if t == nil || t.State != types.StateProcessing || t.ProcessingOn != worker {
		return nil
	}
	t.Exception = exception
	t.Traceback = traceback
	t.Suspicious++

	limit := t.AllowedFails
	if limit == 0 {
		limit = allowedFailures
	}
	if t.Suspicious <= limit && t.Retries > 0 {
		t.Retries--
		return Recs{key: types.StateWaiting}
	}
	return Recs{key: types.StateErred}
}

// MissingData handles a worker reporting it could not fetch a
// dependency's bytes from errantWorker, per §4.3. lattice implements
// the conservative reading of §9's open question: only the reporting
// worker is dropped from who_has, never every holder at once. If that
// leaves the task with no holders at all, it is recomputed (if it
// carries a run_spec) or forgotten (if it was pure data and therefore
// unrecoverable).
func MissingData(s *store.Store, cause, errantWorker string) Recs {
	t := s.GetTask(cause)
	if t == nil {
		return nil
	}
	delete(t.WhoHas, errantWorker)
	if w := s.GetWorker(errantWorker); w != nil {
		if _, held := w.HasWhat[cause]; held && t.NBytes >= 0 {
			w.NBytes -= t.NBytes
		}
		delete(w.HasWhat, cause)
	}
	if len(t.WhoHas) > 0 {
		return nil
	}
	if t.HasRunSpec() {
		return Recs{cause: types.StateReleased}
	}
	return Recs{cause: types.StateForgotten}
}

// LongRunning handles a worker reporting that a task has seceded from
// its thread pool to run past its estimated duration, per §4.3/§4.4.
// Its contribution to the worker's occupancy is zeroed so the worker
// is treated as free to accept more work, and it is pulled out of
// stealable consideration (the caller does this against the stealing
// engine directly, since this package has no dependency on it) by
// returning the task's worker so the caller can act on it.
func LongRunning(s *store.Store, key string, computeDuration time.Duration) (worker string) {
	t := s.GetTask(key)
	if t == nil || t.State != types.StateProcessing {
		return ""
	}
	w := s.GetWorker(t.ProcessingOn)
	if w == nil {
		return ""
	}
	prev := w.Processing[key]
	w.Processing[key] = 0
	s.AdjustOccupancy(w.Address, -prev)

	s.PrefixStats(t.Prefix).Observe(computeDuration)
	return w.Address
}

// ReleaseWorkerData drops a set of keys from a worker's holdings
// because the worker itself is evicting them (not because it was
// lost), per §4.3. A key left with no holders is recommended back to
// released so it can be recomputed or finally forgotten by the
// transition engine's memoryToReleased effects.
func ReleaseWorkerData(s *store.Store, keys []string, worker string) Recs {
	w := s.GetWorker(worker)
	if w == nil {
		return nil
	}
	recs := make(Recs)
	for _, key := range keys {
		t := s.GetTask(key)
		if t == nil {
			continue
		}
		delete(t.WhoHas, worker)
		if _, held := w.HasWhat[key]; held && t.NBytes >= 0 {
			w.NBytes -= t.NBytes
		}
		delete(w.HasWhat, key)
		if len(t.WhoHas) == 0 && t.State == types.StateMemory {
			recs[key] = types.StateReleased
		}
	}
	if len(recs) == 0 {
		return nil
	}
	return recs
}

// Cancel walks keys and, recursively, their dependents, releasing any
// that no client still wants (or unconditionally, if force is set),
// per §4.3 and property P6 (idempotence: cancelling an already-clear
// key set is a no-op).
func Cancel(s *store.Store, keys []string, clientID string, force bool) Recs {
	recs := make(Recs)
	visited := make(map[string]struct{})
	var visit func(key string)
	visit = func(key string) {
		if _, done := visited[key]; done {
			return
		}
		visited[key] = struct{}{}

		t := s.GetTask(key)
		if t == nil {
			return
		}
		if clientID != "" {
			delete(t.WhoWants, clientID)
			if c := s.GetClient(clientID); c != nil {
				delete(c.WantsWhat, key)
			}
		}
		if len(t.WhoWants) > 0 && !force {
			return
		}

		for dep := range t.Dependents {
			visit(dep)
		}

		switch t.State {
		case types.StateMemory, types.StateWaiting, types.StateNoWorker, types.StateProcessing:
			// Unlink this task from its dependencies' waiter sets up
			// front, rather than leaving it to the release edges —
			// recommendations apply in no particular order, and a
			// dependency released before this task must not mistake a
			// cancelled waiter for a live one and recompute itself.
			for dep := range t.Dependencies {
				if dt := s.GetTask(dep); dt != nil {
					delete(dt.Waiters, key)
				}
			}
			t.WaitingOn = make(map[string]struct{})
			recs[key] = types.StateReleased
		case types.StateReleased:
			if len(t.Dependents) == 0 {
				recs[key] = types.StateForgotten
			}
		}
	}
	for _, key := range keys {
		visit(key)
	}
	if len(recs) == 0 {
		return nil
	}
	return recs
}

// RemoveClient handles a client disconnecting, per §4.3/§4.8: release
// every key it wanted, exactly as an explicit client-releases-keys for
// its whole want set, then drop the client record. Any feed
// subscription teardown the transport layer owns for this client
// should happen in the same stimulus, which is why this folds it in
// rather than leaving it to a separate handler (§3.4's [ADD]).
func RemoveClient(s *store.Store, clientID string) Recs {
	c := s.GetClient(clientID)
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.WantsWhat))
	for k := range c.WantsWhat {
		keys = append(keys, k)
	}
	recs := Cancel(s, keys, clientID, false)
	s.DeleteClient(clientID)
	return recs
}

// SetMetadata attaches user-supplied metadata to a task. The original
// source's error branch for a malformed value drops into a debugger
// breakpoint (§9 Open Question); lattice logs and ignores instead,
// exactly as the documented decision requires.
func SetMetadata(s *store.Store, key, field, value string, log zerolog.Logger) {
	t := s.GetTask(key)
	if t == nil {
		log.Warn().Str("key", key).Msg("set_metadata for unknown task, ignoring")
		return
	}
	if field == "" {
		log.Warn().Str("key", key).Msg("set_metadata with empty field name, ignoring")
		return
	}
	t.Metadata[field] = value
}

// RetirePolicy governs what happens to a retiring worker's in-flight
// work, per §3.4's [ADD] retire_worker.
type RetirePolicy int

const (
	// RetireDrainFirst hands off the worker's memory holdings via
	// replicate before it is removed. It does not wait for the worker's
	// current processing tasks: the final safe remove_worker releases
	// them for rescheduling elsewhere.
	RetireDrainFirst RetirePolicy = iota
	// RetireImmediately is equivalent to a safe remove_worker.
	RetireImmediately
)

// RetireWorker begins graceful decommission of a worker. Under
// RetireDrainFirst it returns the keys the worker holds with no other
// holder, and produces no recommendations yet — the caller (scheduler)
// drives replication of those keys via pkg/core/rebalance and then
// calls RemoveWorker(address, safe=true). Under RetireImmediately it is
// just remove_worker with safe=true.
func RetireWorker(s *store.Store, address string, policy RetirePolicy) (recs Recs, pendingReplication []string) {
	w := s.GetWorker(address)
	if w == nil {
		return nil, nil
	}
	if policy == RetireImmediately {
		return RemoveWorker(s, address, true, 0), nil
	}

	for key := range w.HasWhat {
		t := s.GetTask(key)
		if t == nil {
			continue
		}
		if len(t.WhoHas) <= 1 {
			pendingReplication = append(pendingReplication, key)
		}
	}
	return nil, pendingReplication
}
