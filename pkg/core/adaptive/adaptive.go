package adaptive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	coreerrors "github.com/latticesched/lattice/pkg/core/errors"
	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

// TargetFunc proposes the desired cluster worker count for the next
// tick. The default implementation (see DefaultTarget) looks at the
// pending task count and the workers' core counts; callers may supply
// their own to model a different scaling policy.
type TargetFunc func(s *store.Store) int

// ResourceManager is the external collaborator that actually adds or
// removes workers (a cloud API, a Kubernetes deployment, a local
// process pool). The adaptive loop only decides how many and which;
// it never talks to infrastructure directly.
type ResourceManager interface {
	ScaleUp(ctx context.Context, count int) error
	ScaleDown(ctx context.Context, workerAddresses []string) error
}

// Config bounds and tunes one engine's behavior.
type Config struct {
	Minimum   int
	Maximum   int
	WaitCount int // consecutive idle ticks before a close candidate is actually closed

	RetryCount    int
	RetryDelayMin time.Duration
	RetryDelayMax time.Duration
}

// Engine runs the adaptive control loop's per-tick decision and
// reconciliation against a ResourceManager. It tracks §4.7's three
// loosely-typed worker-token sets:
//
//   - plan: every worker token the engine currently intends to exist,
//     whether or not it has materialized yet.
//   - requested: the subset of plan asked of the ResourceManager but not
//     yet seen registered in the store (a pending scale-up token has no
//     address of its own until a real worker shows up, so membership is
//     tracked by synthetic id and reconciled by count each tick).
//   - observed: the workers actually registered in the store right now,
//     read live off s.ListWorkers() rather than cached.
type Engine struct {
	s      *store.Store
	rm     ResourceManager
	target TargetFunc
	cfg    Config
	log    zerolog.Logger

	plan      map[string]struct{} // worker tokens (addresses once observed, pending-N ids until then)
	requested map[string]struct{} // subset of plan, asked of the resource manager, not yet observed
	nextToken uint64
	lastSeen  int // observed worker count as of the previous tick, for graduating requested tokens

	closeCandidates map[string]int // worker address -> consecutive idle ticks
}

// New returns an adaptive engine. If target is nil, DefaultTarget is used.
func New(s *store.Store, rm ResourceManager, target TargetFunc, cfg Config, log zerolog.Logger) *Engine {
	if target == nil {
		target = DefaultTarget
	}
	return &Engine{
		s:               s,
		rm:              rm,
		target:          target,
		cfg:             cfg,
		log:             log.With().Str("component", "adaptive").Logger(),
		plan:            make(map[string]struct{}),
		requested:       make(map[string]struct{}),
		closeCandidates: make(map[string]int),
	}
}

// DefaultTarget estimates the number of workers needed to drain the
// current backlog: the count of pending tasks (no-worker, waiting and
// processing) divided by the average core count per worker, rounded
// up. Per-task duration estimates are not consulted.
func DefaultTarget(s *store.Store) int {
	workers := s.ListWorkers()
	if len(workers) == 0 {
		return 0
	}
	var coresPerWorker int
	for _, w := range workers {
		coresPerWorker += w.NCores
	}
	coresPerWorker /= len(workers)
	if coresPerWorker < 1 {
		coresPerWorker = 1
	}

	pending := 0
	for range s.Unrunnable() {
		pending++
	}
	pending += s.Snapshot().TaskCountByState["waiting"]
	pending += s.Snapshot().TaskCountByState["processing"]

	need := pending / coresPerWorker
	if pending%coresPerWorker != 0 {
		need++
	}
	return need
}

func (c Config) clamp(n int) int {
	if n < c.Minimum {
		return c.Minimum
	}
	if c.Maximum > 0 && n > c.Maximum {
		return c.Maximum
	}
	return n
}

// Tick runs one control loop pass: reconcile plan/requested against the
// store's observed workers, compute the target, scale up immediately if
// |plan| is under it, or advance close candidates toward scale-down if
// |plan| is over it.
func (e *Engine) Tick(ctx context.Context) error {
	e.reconcile()

	current := len(e.plan)
	desired := e.cfg.clamp(e.target(e.s))

	if desired > current {
		return e.scaleUp(ctx, desired-current)
	}
	if desired < current {
		return e.considerScaleDown(ctx, current-desired)
	}
	e.resetCandidates(nil)
	return nil
}

// reconcile folds the store's observed workers into plan (adopting any
// that appeared without a corresponding request, e.g. started outside
// the adaptive loop) and graduates pending requested tokens as new
// workers show up. A requested token carries no identity linking it to
// the worker it eventually becomes, so graduation is by count, oldest
// token first — the loosely-typed "worker token" §4.7 describes.
func (e *Engine) reconcile() {
	workers := e.s.ListWorkers()
	for _, w := range workers {
		if _, ok := e.plan[w.Address]; !ok {
			e.plan[w.Address] = struct{}{}
		}
	}

	newlyObserved := len(workers) - e.lastSeen
	for newlyObserved > 0 && len(e.requested) > 0 {
		for token := range e.requested {
			delete(e.requested, token)
			delete(e.plan, token)
			break
		}
		newlyObserved--
	}
	e.lastSeen = len(workers)
}

func (e *Engine) scaleUp(ctx context.Context, count int) error {
	e.resetCandidates(nil)

	tokens := make([]string, 0, count)
	for i := 0; i < count; i++ {
		e.nextToken++
		token := fmt.Sprintf("pending-%d", e.nextToken)
		tokens = append(tokens, token)
		e.plan[token] = struct{}{}
		e.requested[token] = struct{}{}
	}

	err := e.retry(ctx, func() error {
		return e.rm.ScaleUp(ctx, count)
	})
	if err != nil {
		for _, token := range tokens {
			delete(e.plan, token)
			delete(e.requested, token)
		}
		return &coreerrors.AdaptiveError{Attempt: e.cfg.RetryCount, Err: err}
	}
	return nil
}

// considerScaleDown picks up to `count` close candidates in the order
// §4.7 documents: first from requested \ observed (pending scale-up
// tokens that haven't materialized yet — cheapest to retract, no real
// worker to drain), then from the least-loaded observed workers. Only
// the latter are subject to the wait_count idle-tick hysteresis, since
// they're real workers that may still be holding data or processing.
func (e *Engine) considerScaleDown(ctx context.Context, count int) error {
	var retracted []string
	for token := range e.requested {
		if len(retracted) >= count {
			break
		}
		retracted = append(retracted, token)
	}
	for _, token := range retracted {
		delete(e.plan, token)
		delete(e.requested, token)
	}

	remaining := count - len(retracted)
	if remaining <= 0 {
		e.resetCandidates(nil)
		return nil
	}

	candidates := e.leastLoadedIdle(remaining)

	var ready []string
	stillIdle := make(map[string]struct{}, len(candidates))
	for _, addr := range candidates {
		stillIdle[addr] = struct{}{}
		e.closeCandidates[addr]++
		if e.closeCandidates[addr] >= e.cfg.WaitCount {
			ready = append(ready, addr)
		}
	}
	e.resetCandidates(stillIdle)

	if len(ready) == 0 {
		return nil
	}

	err := e.retry(ctx, func() error {
		return e.rm.ScaleDown(ctx, ready)
	})
	if err != nil {
		return &coreerrors.AdaptiveError{Attempt: e.cfg.RetryCount, Err: err}
	}
	for _, addr := range ready {
		e.s.DeleteWorker(addr)
		delete(e.plan, addr)
		delete(e.closeCandidates, addr)
	}
	return nil
}

// leastLoadedIdle returns up to limit idle observed workers, ordered by
// ascending occupancy with address as the tie-break. The secondary key
// matters: IdleWorkers feeds this from randomized map iteration, and
// the close-counter hysteresis only accumulates for workers selected on
// consecutive ticks — equal-occupancy candidates must therefore come
// out in the same order every tick or no worker ever reaches
// wait_count.
func (e *Engine) leastLoadedIdle(limit int) []string {
	idle := e.s.IdleWorkers()
	workers := make([]*types.Worker, 0, len(idle))
	for _, addr := range idle {
		if w := e.s.GetWorker(addr); w != nil {
			workers = append(workers, w)
		}
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].Occupancy != workers[j].Occupancy {
			return workers[i].Occupancy < workers[j].Occupancy
		}
		return workers[i].Address < workers[j].Address
	})
	if len(workers) > limit {
		workers = workers[:limit]
	}
	out := make([]string, len(workers))
	for i, w := range workers {
		out[i] = w.Address
	}
	return out
}

// resetCandidates drops the idle-tick counter for any worker not in
// keep, since it's no longer idle and so is no longer a candidate.
func (e *Engine) resetCandidates(keep map[string]struct{}) {
	for addr := range e.closeCandidates {
		if _, ok := keep[addr]; !ok {
			delete(e.closeCandidates, addr)
		}
	}
}

func (e *Engine) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryDelayMin
	bo.MaxInterval = e.cfg.RetryDelayMax
	withCtx := backoff.WithContext(bo, ctx)

	attempt := 0
	wrapped := func() error {
		attempt++
		return op()
	}
	err := backoff.Retry(wrapped, backoff.WithMaxRetries(withCtx, uint64(e.cfg.RetryCount)))
	if err != nil {
		e.log.Warn().Err(err).Int("attempts", attempt).Msg("adaptive resource manager call failed after retries")
	}
	return err
}
