package scheduler

import (
	"context"
	"time"

	"github.com/latticesched/lattice/pkg/config"
	coreerrors "github.com/latticesched/lattice/pkg/core/errors"
	"github.com/latticesched/lattice/pkg/core/stealing"
	"github.com/latticesched/lattice/pkg/core/stimulus"
	"github.com/latticesched/lattice/pkg/core/types"
	"github.com/latticesched/lattice/pkg/events"
	"github.com/latticesched/lattice/pkg/transport"
)

// Scheduler implements transport.Handlers directly: Dispatch routes an
// inbound Message to exactly one of these methods, each of which runs
// precisely one pkg/core/stimulus call and then drains the resulting
// recommendation map through the transition engine's Apply before
// returning, per §5's atomicity rule. Every handler ends by notifying
// whatever workers/clients care about the keys it touched.
var _ transport.Handlers = (*Scheduler)(nil)

func (s *Scheduler) OnRegister(m transport.Message) error {
	w := types.NewWorker(m.Worker, m.NCores)
	w.Resources = m.Resources
	recs, interval := stimulus.AddWorker(s.store, w, m.KnownKeys)
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.sendToWorker(m.Worker, transport.Message{Kind: transport.KindHeartbeat, Duration: interval})
	s.publish(events.WorkerEvent(events.EventWorkerJoined, m.Worker))
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnHeartbeat(m transport.Message) error {
	if w := s.store.GetWorker(m.Worker); w != nil {
		w.LastHeartbeat = time.Now()
	}
	return nil
}

func (s *Scheduler) OnTaskFinished(m transport.Message) error {
	recs, notifyWorker := stimulus.TaskFinished(s.store, m.Key, m.Worker, m.NBytes, m.Duration)
	if notifyWorker {
		s.sendToWorker(m.Worker, transport.Message{Kind: transport.KindReleaseTask, Key: m.Key})
		return nil
	}
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnTaskErred(m transport.Message) error {
	recs := stimulus.TaskErred(s.store, m.Key, m.Worker, m.Exception, m.Traceback, s.cfg.AllowedFailures)
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnMissingData(m transport.Message) error {
	recs := stimulus.MissingData(s.store, m.Key, m.Worker)
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnLongRunning(m transport.Message) error {
	stimulus.LongRunning(s.store, m.Key, m.Duration)
	return nil
}

func (s *Scheduler) OnReleaseWorkerData(m transport.Message) error {
	recs := stimulus.ReleaseWorkerData(s.store, m.Keys, m.Worker)
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnAddKeys(m transport.Message) error {
	w := s.store.GetWorker(m.Worker)
	if w == nil {
		return nil
	}
	for _, key := range m.Keys {
		w.HasWhat[key] = struct{}{}
		if t := s.store.GetTask(key); t != nil {
			t.WhoHas[m.Worker] = struct{}{}
		}
	}
	return nil
}

// OnReschedule handles a worker asking for a task it holds to be run
// elsewhere: the processing->waiting edge returns the occupancy
// reservation and hands the task straight back to placement.
func (s *Scheduler) OnReschedule(m transport.Message) error {
	t := s.store.GetTask(m.Key)
	if t == nil || t.State != types.StateProcessing {
		return nil
	}
	recs := stimulus.Recs{m.Key: types.StateWaiting}
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnUnregister(m transport.Message) error {
	recs := stimulus.RemoveWorker(s.store, m.Worker, true, s.cfg.AllowedFailures)
	s.UnregisterWorker(m.Worker)
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.publish(events.WorkerEvent(events.EventWorkerLeft, m.Worker))
	s.notify(recs)
	return nil
}

// OnRetireWorker begins §3.4's [ADD] graceful decommission. Under
// RetireImmediately it is exactly remove_worker and returns
// synchronously. Under RetireDrainFirst, replicating every
// under-held key the worker uniquely holds is a suspension point
// (§5c), so it runs on its own goroutine and resubmits an Unregister
// once a replication attempt has been made for every such key; a
// failed attempt is logged and does not hold the Unregister back. It
// never touches the store
// outside the event-loop goroutine in the meantime, since
// rebalance.Replicate only talks to workers over the Gatherer
// interface, not the store.
func (s *Scheduler) OnRetireWorker(m transport.Message) error {
	policy := stimulus.RetireImmediately
	if m.RetireDrain {
		policy = stimulus.RetireDrainFirst
	}
	recs, pending := stimulus.RetireWorker(s.store, m.Worker, policy)
	if policy == stimulus.RetireImmediately {
		s.UnregisterWorker(m.Worker)
		if err := s.transition.Apply(recs); err != nil {
			return err
		}
		s.publish(events.WorkerEvent(events.EventWorkerLeft, m.Worker))
		s.notify(recs)
		return nil
	}
	if len(pending) == 0 {
		return s.OnUnregister(transport.Message{Worker: m.Worker})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, key := range pending {
			if err := s.rebalance.Replicate(ctx, []string{key}, 2, 2, true); err != nil {
				s.log.Warn().Err(err).Str("key", key).Str("worker", m.Worker).Msg("retire-worker replication failed")
			}
		}
		s.Submit(transport.Message{Kind: transport.KindUnregister, Worker: m.Worker})
	}()
	return nil
}

func (s *Scheduler) OnSetMetadata(m transport.Message) error {
	stimulus.SetMetadata(s.store, m.Key, m.MetadataField, m.MetadataValue, s.log)
	return nil
}

func (s *Scheduler) OnClientDisconnect(m transport.Message) error {
	s.log.Info().Err(&coreerrors.ClientDisconnected{ClientID: m.Client}).Msg("client disconnected")
	recs := stimulus.RemoveClient(s.store, m.Client)
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.UnregisterClient(m.Client)
	s.publish(events.ClientEvent(events.EventClientDisconn, m.Client))
	s.notify(recs)
	return nil
}

// checkWorkerHeartbeats implements §4.8's "Worker comm drop: treat as
// remove_worker" failure semantics. A worker that has sent no heartbeat
// within HeartbeatTimeoutFactor cadence intervals is evicted exactly as
// an unsafe remove_worker (safe=false): its in-flight tasks are bumped
// suspicious rather than simply released, distinguishing an abrupt loss
// from the graceful OnUnregister path. Called from maintenance() every
// tick so a missed heartbeat is never silently tolerated forever.
func (s *Scheduler) checkWorkerHeartbeats() {
	workers := s.store.ListWorkers()
	if len(workers) == 0 {
		return
	}
	timeout := config.HeartbeatInterval(len(workers)) * time.Duration(s.cfg.HeartbeatTimeoutFactor)
	now := time.Now()
	for _, w := range workers {
		if now.Sub(w.LastHeartbeat) <= timeout {
			continue
		}
		s.log.Warn().Err(&coreerrors.WorkerLost{Address: w.Address, Reason: "heartbeat timeout"}).Msg("evicting unresponsive worker")
		recs := stimulus.RemoveWorker(s.store, w.Address, false, s.cfg.AllowedFailures)
		s.UnregisterWorker(w.Address)
		if err := s.transition.Apply(recs); err != nil {
			s.log.Warn().Err(err).Str("worker", w.Address).Msg("applying worker-loss recommendations failed")
			continue
		}
		ev := events.WorkerEvent(events.EventWorkerLeft, w.Address)
		ev.Metadata = map[string]string{"reason": "heartbeat-timeout"}
		s.publish(ev)
		s.notify(recs)
	}
}

func (s *Scheduler) OnUpdateGraph(m transport.Message) error {
	req := stimulus.UpdateGraphRequest{
		RunSpecs: map[string][]byte{m.Key: m.RunSpec},
		Keys:     m.Keys,
		Client:   m.Client,
	}
	if m.Key != "" {
		deps := make([]string, 0, len(m.Dependencies))
		for dep := range m.Dependencies {
			deps = append(deps, dep)
		}
		req.Dependencies = map[string][]string{m.Key: deps}
	}
	if len(m.WorkerRestrictions) > 0 {
		req.WorkerRestrictions = map[string][]string{m.Key: m.WorkerRestrictions}
	}
	if len(m.HostRestrictions) > 0 {
		req.HostRestrictions = map[string][]string{m.Key: m.HostRestrictions}
	}
	if len(m.ResourceRestrictions) > 0 {
		req.ResourceRestrictions = map[string]map[string]float64{m.Key: m.ResourceRestrictions}
	}
	recs := stimulus.UpdateGraph(s.store, req)
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnClientDesiresKeys(m transport.Message) error {
	c := s.store.GetClient(m.Client)
	if c == nil {
		c = types.NewClient(m.Client)
		s.store.CreateClient(c)
		s.publish(events.ClientEvent(events.EventClientConnect, m.Client))
	}
	recs := make(stimulus.Recs)
	for _, key := range m.Keys {
		t := s.store.GetTask(key)
		if t == nil {
			continue
		}
		t.WhoWants[m.Client] = struct{}{}
		c.WantsWhat[key] = struct{}{}
		if t.State == types.StateReleased {
			recs[key] = types.StateWaiting
		}
		if t.State == types.StateMemory {
			s.sendToClient(m.Client, transport.Message{Kind: transport.KindKeyInMemory, Key: key, NBytes: t.NBytes})
		}
	}
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnClientReleasesKeys(m transport.Message) error {
	recs := stimulus.Cancel(s.store, m.Keys, m.Client, false)
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnCancel(m transport.Message) error {
	recs := stimulus.Cancel(s.store, m.Keys, m.Client, true)
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	for _, key := range m.Keys {
		s.sendToClient(m.Client, transport.Message{Kind: transport.KindCancelledKey, Key: key})
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnRestart(m transport.Message) error {
	recs := stimulus.Cancel(s.store, m.Keys, "", true)
	return s.transition.Apply(recs)
}

// OnScatter records client-pushed raw data as resident on the worker
// that received it. The who_has/has_what bookkeeping happens here, the
// same contract AddWorker's known-keys path follows, so the direct-to-
// memory edge only has to unblock waiters.
func (s *Scheduler) OnScatter(m transport.Message) error {
	w := s.store.GetWorker(m.Worker)
	if w == nil {
		return nil
	}
	t, _ := s.store.GetOrCreateTask(m.Key)
	if m.NBytes >= 0 {
		t.NBytes = m.NBytes
	}
	t.WhoHas[m.Worker] = struct{}{}
	if _, held := w.HasWhat[m.Key]; !held {
		w.HasWhat[m.Key] = struct{}{}
		if t.NBytes >= 0 {
			w.NBytes += t.NBytes
		}
	}
	if t.State == types.StateMemory {
		return nil
	}
	recs := stimulus.Recs{m.Key: types.StateMemory}
	if err := s.transition.Apply(recs); err != nil {
		return err
	}
	s.notify(recs)
	return nil
}

func (s *Scheduler) OnClientGather(m transport.Message) error {
	t := s.store.GetTask(m.Key)
	if t == nil || t.State != types.StateMemory {
		return nil
	}
	s.sendToClient(m.Client, transport.Message{Kind: transport.KindKeyInMemory, Key: m.Key, NBytes: t.NBytes})
	return nil
}

func (s *Scheduler) OnFeed(m transport.Message) error {
	s.subscribeFeed(m.Client)
	return nil
}

func (s *Scheduler) OnUnknown(m transport.Message) error {
	s.log.Warn().Str("kind", string(m.Kind)).Msg("dropping message of unknown kind")
	return nil
}

// notify walks the keys a stimulus call touched and pushes whatever
// follow-up wire messages their new state implies: a newly-processing
// task gets dispatched to its worker, a newly-resident one is reported
// to every client that wants it, and a newly-erred one likewise. This
// is necessarily a partial view of everything Apply's fixed point
// touched transitively (it only sees the stimulus's own top-level
// recs), which is an acceptable simplification since the exact wire
// framing is explicitly out of scope (§1/§6) — the core state machine
// itself, not its wire fanout, is what the invariants bind.
func (s *Scheduler) notify(recs stimulus.Recs) {
	for key := range recs {
		t := s.store.GetTask(key)
		if t == nil {
			continue
		}
		switch t.State {
		case types.StateReleased:
			s.publish(events.TaskEvent(events.EventTaskReleased, key, ""))
		case types.StateWaiting:
			s.publish(events.TaskEvent(events.EventTaskWaiting, key, ""))
		case types.StateProcessing:
			s.publish(events.TaskEvent(events.EventTaskProcessing, key, t.ProcessingOn))
			s.sendComputeTask(t)
		case types.StateMemory:
			s.publish(events.TaskEvent(events.EventTaskMemory, key, ""))
			for client := range t.WhoWants {
				s.sendToClient(client, transport.Message{Kind: transport.KindKeyInMemory, Key: key, NBytes: t.NBytes})
			}
		case types.StateErred:
			s.publish(events.TaskEvent(events.EventTaskErred, key, ""))
			for client := range t.WhoWants {
				s.sendToClient(client, transport.Message{Kind: transport.KindClientErred, Key: key, Exception: t.Exception, Traceback: t.Traceback})
			}
		case types.StateForgotten:
			s.publish(events.TaskEvent(events.EventTaskForgotten, key, ""))
		}
	}
}

// executeSteal carries out one stealing.Engine proposal: the donor is
// told to release the task it's running, and the task re-enters
// waiting through the same processing->waiting edge OnReschedule
// drives, so placement re-places it — most likely, though not
// guaranteed, onto the idle worker the proposal named, since placement
// re-scores against the occupancy snapshot maintenance() just
// recomputed. A transition failure cancels the transfer rather than
// confirming it, so the task key is free to be proposed again.
func (s *Scheduler) executeSteal(tr stealing.Transfer) {
	s.sendToWorker(tr.From, transport.Message{Kind: transport.KindReleaseTask, Key: tr.Key})
	recs := stimulus.Recs{tr.Key: types.StateWaiting}
	if err := s.transition.Apply(recs); err != nil {
		s.log.Warn().Err(err).Str("key", tr.Key).Str("from", tr.From).Str("to", tr.To).Msg("steal reschedule failed")
		s.stealing.Cancel(tr.Key)
		return
	}
	s.stealing.Confirm(tr.Key)
	s.notify(recs)
}

func (s *Scheduler) sendComputeTask(t *types.Task) {
	deps := make(map[string]transport.WhoHasEntry, len(t.Dependencies))
	for dep := range t.Dependencies {
		dt := s.store.GetTask(dep)
		if dt == nil {
			continue
		}
		holders := make([]string, 0, len(dt.WhoHas))
		for addr := range dt.WhoHas {
			holders = append(holders, addr)
		}
		deps[dep] = transport.WhoHasEntry{WhoHas: holders, NBytes: dt.NBytes}
	}

	workerRestrictions := make([]string, 0, len(t.WorkerRestrictions))
	for w := range t.WorkerRestrictions {
		workerRestrictions = append(workerRestrictions, w)
	}
	hostRestrictions := make([]string, 0, len(t.HostRestrictions))
	for h := range t.HostRestrictions {
		hostRestrictions = append(hostRestrictions, h)
	}

	s.sendToWorker(t.ProcessingOn, transport.Message{
		Kind:                 transport.KindComputeTask,
		Key:                  t.Key,
		RunSpec:              t.RunSpec,
		Priority:             t.Priority.Order,
		Dependencies:         deps,
		WorkerRestrictions:   workerRestrictions,
		HostRestrictions:     hostRestrictions,
		ResourceRestrictions: t.ResourceRestrictions,
	})
}
