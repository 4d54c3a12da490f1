package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticesched/lattice/pkg/config"
	"github.com/latticesched/lattice/pkg/core/adaptive"
	"github.com/latticesched/lattice/pkg/core/occupancy"
	"github.com/latticesched/lattice/pkg/core/placement"
	"github.com/latticesched/lattice/pkg/core/rebalance"
	"github.com/latticesched/lattice/pkg/core/stealing"
	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/transition"
	"github.com/latticesched/lattice/pkg/events"
	"github.com/latticesched/lattice/pkg/transport"
)

// maintenanceInterval is how often the non-message-driven engines
// (occupancy, adaptive, stealing, rebalance) get a tick, independent of
// the teacher's fixed 5s container-reconcile cadence — lattice's
// per-tick work is cheap enough to run more often.
const maintenanceInterval = 2 * time.Second

// Scheduler is the single-threaded cooperative event loop that owns
// the store and every core engine, built in the teacher's shape
// (stopCh, Start()/Stop()/run()-with-ticker). There is no struct-wide
// mutex: the store and engines are touched only from run(), and the
// outbox and feed maps have their own mutexes.
type Scheduler struct {
	log    zerolog.Logger
	cfg    config.Snapshot
	stopCh chan struct{}
	doneCh chan struct{}

	store      *store.Store
	transition *transition.Engine
	placement  *placement.Engine
	occupancy  *occupancy.Tracker
	stealing   *stealing.Engine
	rebalance  *rebalance.Engine
	adaptive   *adaptive.Engine

	registry *transport.Registry
	broker   *events.Broker

	inbox chan transport.Message

	clientOutboxesMu sync.Mutex
	clientOutboxes   map[string]*transport.Outbox
	workerOutboxesMu sync.Mutex
	workerOutboxes   map[string]*transport.Outbox

	feedMu   sync.Mutex
	feedSubs map[string]events.Subscriber

	identityFile string

	rm adaptive.ResourceManager

	tick uint64
}

// NewScheduler builds a scheduler from a configuration snapshot. rm may
// be nil, in which case the adaptive control loop runs with
// noopResourceManager (logs decisions, never talks to infrastructure —
// provisioning workers is an external collaborator's job per §1/§6).
func NewScheduler(cfg config.Snapshot, log zerolog.Logger, registry *transport.Registry, rm adaptive.ResourceManager, identityFile string) *Scheduler {
	s := store.New(cfg.TransitionLogLength)
	if rm == nil {
		rm = noopResourceManager{log: log.With().Str("component", "adaptive-rm").Logger()}
	}

	sched := &Scheduler{
		log:          log.With().Str("component", "scheduler").Logger(),
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		store:        s,
		placement:    placement.New(cfg.Bandwidth),
		occupancy:    occupancy.New(s),
		stealing:     stealing.New(s, cfg.Bandwidth),
		registry:     registry,
		broker:       events.NewBroker(),
		inbox:        make(chan transport.Message, 256),
		clientOutboxes: make(map[string]*transport.Outbox),
		workerOutboxes: make(map[string]*transport.Outbox),
		feedSubs:     make(map[string]events.Subscriber),
		identityFile: identityFile,
		rm:           rm,
	}
	sched.transition = transition.New(s, sched.placement, cfg.AllowedFailures, sched.log)
	sched.rebalance = rebalance.New(s, registry, 4)
	sched.adaptive = adaptive.New(s, rm, adaptive.DefaultTarget, adaptive.Config{
		Minimum:       cfg.AdaptiveMinimum,
		Maximum:       cfg.AdaptiveMaximum,
		WaitCount:     cfg.AdaptiveWaitCount,
		RetryCount:    cfg.AdaptiveRetryCount,
		RetryDelayMin: cfg.AdaptiveRetryDelayMin,
		RetryDelayMax: cfg.AdaptiveRetryDelayMax,
	}, sched.log)
	return sched
}

// Store exposes the underlying store for metrics collection and tests.
func (s *Scheduler) Store() *store.Store { return s.store }

// Broker exposes the event broker for the feed stimulus (§6's
// client-sent stream).
func (s *Scheduler) Broker() *events.Broker { return s.broker }

// Submit enqueues an inbound message for processing on the event loop
// goroutine. Never blocks the caller past the inbox's buffer; a full
// inbox means the scheduler is falling behind, which is logged rather
// than silently stalling whatever goroutine is receiving on the wire.
func (s *Scheduler) Submit(msg transport.Message) {
	select {
	case s.inbox <- msg:
	default:
		s.log.Warn().Str("kind", string(msg.Kind)).Msg("inbox full, dropping inbound message")
	}
}

// Start begins the event loop and the broker, and writes the identity
// file if configured. The occupancy tracker's own ticker is not used —
// maintenance() already recomputes it every tick on the same goroutine
// that owns the store, so a second independent ticker would just race
// against it for no benefit.
func (s *Scheduler) Start() {
	s.broker.Start()
	if s.identityFile != "" {
		if err := writeIdentity(s.identityFile, newIdentity()); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist identity file")
		}
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

// Stop halts the event loop and the broker, tells every still-connected
// client its stream is closing, and removes the identity file — a
// clean shutdown leaves no stale state for a restart to trip over
// (§6's "Persisted state" note).
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	for _, c := range s.store.ListClients() {
		s.UnregisterClient(c.ID)
	}
	s.broker.Stop()
	if s.identityFile != "" {
		removeIdentity(s.identityFile)
	}
}

// handle routes one inbound message to the matching transport.Handlers
// method on s — always called from the run() goroutine, so every
// handler can touch the store without its own locking.
func (s *Scheduler) handle(msg transport.Message) {
	if s.registry.Resolve(msg) {
		return
	}
	if err := transport.Dispatch(msg, s); err != nil {
		s.log.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("message handler failed")
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inbox:
			s.handle(msg)
		case <-ticker.C:
			s.maintenance()
		case <-s.stopCh:
			return
		}
	}
}

// rebalanceEvery spaces out the rebalance pass relative to the
// maintenance tick, since unlike occupancy/adaptive/stealing it moves
// actual bytes over the wire and should not run every 2s.
const rebalanceEvery = 10

// maintenance runs the tick-driven engines that react to cluster state
// rather than a single stimulus: reclassify idle/saturated workers,
// run one adaptive control-loop pass, propose any work-stealing
// transfers the current idle/saturated split allows, and periodically
// rebalance in-memory data across workers.
func (s *Scheduler) maintenance() {
	s.tick++

	s.occupancy.Recompute()
	s.checkWorkerHeartbeats()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.adaptive.Tick(ctx); err != nil {
		s.log.Warn().Err(err).Msg("adaptive tick failed")
	}

	if s.cfg.WorkStealing {
		for _, proposal := range s.stealing.Propose() {
			s.executeSteal(proposal)
		}
	}

	if s.tick%rebalanceEvery == 0 {
		if err := s.rebalance.Rebalance(ctx, nil, nil); err != nil {
			s.log.Warn().Err(err).Msg("rebalance pass failed")
		}
	}
}

// noopResourceManager is the default adaptive.ResourceManager: it logs
// the decision the adaptive loop made but never calls out to real
// infrastructure, since provisioning workers is an external
// collaborator's concern the spec places out of scope (§1/§6).
// Embedders that do own infrastructure supply their own
// ResourceManager to NewScheduler.
type noopResourceManager struct {
	log zerolog.Logger
}

func (n noopResourceManager) ScaleUp(ctx context.Context, count int) error {
	n.log.Info().Int("count", count).Msg("adaptive scale-up requested (no resource manager wired)")
	return nil
}

func (n noopResourceManager) ScaleDown(ctx context.Context, addrs []string) error {
	n.log.Info().Strs("workers", addrs).Msg("adaptive scale-down requested (no resource manager wired)")
	return nil
}
