package rebalance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

// Gatherer is the transport-layer collaborator this package needs:
// fetch a key's bytes from a worker, and tell a worker to drop its
// copy. Satisfied by pkg/transport's peer client; kept as a local
// interface so this package never imports transport.
type Gatherer interface {
	Gather(ctx context.Context, worker string, key string) ([]byte, error)
	Delete(ctx context.Context, worker string, key string) error
	Store(ctx context.Context, worker string, key string, data []byte) error
}

// move is one planned (key, from, to) data transfer.
type move struct {
	key  string
	from string
	to   string
}

// Engine runs rebalance and replicate passes against a store using a
// Gatherer for the actual byte transfer.
type Engine struct {
	s          *store.Store
	g          Gatherer
	Concurrent int // bounded fan-out width, default 4
}

// New returns a rebalance engine. concurrent bounds how many transfers
// run at once; 0 defaults to 4.
func New(s *store.Store, g Gatherer, concurrent int) *Engine {
	if concurrent <= 0 {
		concurrent = 4
	}
	return &Engine{s: s, g: g, Concurrent: concurrent}
}

// defaultReplicateRounds bounds Replicate's convergence loop. Each
// round's limit grows with branching_factor*holders, so the number of
// rounds needed to reach n holders from 1 is logarithmic in n; this
// cap is only ever hit if the cluster genuinely cannot supply enough
// distinct candidate workers.
const defaultReplicateRounds = 20

// Rebalance moves in-memory task data off workers holding more than
// average memory onto workers holding less, walking donors from
// heaviest to lightest and shipping each donor's largest replicas to
// the lightest receivers until sender or recipient crosses the mean,
// per §4.6. keys and workers optionally scope the pass to a subset of
// tasks/workers; either may be nil/empty for "every task, every
// worker."
func (e *Engine) Rebalance(ctx context.Context, keys []string, workers []string) error {
	var keySet map[string]struct{}
	if len(keys) > 0 {
		keySet = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			keySet[k] = struct{}{}
		}
	}

	pool := e.workerPool(workers)
	if len(pool) < 2 {
		return nil
	}

	bytes := make(map[string]int64, len(pool))
	movable := make(map[string][]string, len(pool))
	var total int64
	for _, w := range pool {
		ks := candidateKeys(w, keySet)
		sort.Slice(ks, func(i, j int) bool {
			return e.taskBytes(ks[i]) > e.taskBytes(ks[j])
		})
		movable[w.Address] = ks
		bytes[w.Address] = scopedBytes(e.s, w, keySet)
		total += bytes[w.Address]
	}
	mean := total / int64(len(pool))

	donors := append([]*types.Worker(nil), pool...)
	sort.Slice(donors, func(i, j int) bool { return bytes[donors[i].Address] > bytes[donors[j].Address] })
	receivers := append([]*types.Worker(nil), pool...)
	sort.Slice(receivers, func(i, j int) bool { return bytes[receivers[i].Address] < bytes[receivers[j].Address] })

	var moves []move
	ri := 0
	for _, donor := range donors {
		if bytes[donor.Address] <= mean {
			break
		}
		for len(movable[donor.Address]) > 0 && bytes[donor.Address] > mean {
			for ri < len(receivers) && (receivers[ri].Address == donor.Address || bytes[receivers[ri].Address] >= mean) {
				ri++
			}
			if ri >= len(receivers) {
				break
			}
			recv := receivers[ri]
			key := movable[donor.Address][0]
			movable[donor.Address] = movable[donor.Address][1:]
			if _, already := recv.HasWhat[key]; already {
				continue
			}
			nb := e.taskBytes(key)
			moves = append(moves, move{key: key, from: donor.Address, to: recv.Address})
			bytes[donor.Address] -= nb
			bytes[recv.Address] += nb
		}
	}

	return e.apply(ctx, moves)
}

// workerPool resolves the addresses named in workers to live worker
// records, or every known worker when workers is empty.
func (e *Engine) workerPool(workers []string) []*types.Worker {
	if len(workers) == 0 {
		return e.s.ListWorkers()
	}
	pool := make([]*types.Worker, 0, len(workers))
	for _, addr := range workers {
		if w := e.s.GetWorker(addr); w != nil {
			pool = append(pool, w)
		}
	}
	return pool
}

// candidateKeys lists the keys on w eligible for a rebalance move:
// every resident key, or only those in keySet when scoped.
func candidateKeys(w *types.Worker, keySet map[string]struct{}) []string {
	ks := make([]string, 0, len(w.HasWhat))
	for k := range w.HasWhat {
		if keySet != nil {
			if _, ok := keySet[k]; !ok {
				continue
			}
		}
		ks = append(ks, k)
	}
	return ks
}

// scopedBytes sums the resident bytes of w's keys, restricted to
// keySet when non-nil; nil means "every key", matching w.NBytes.
func scopedBytes(s *store.Store, w *types.Worker, keySet map[string]struct{}) int64 {
	if keySet == nil {
		return w.NBytes
	}
	var total int64
	for k := range w.HasWhat {
		if _, ok := keySet[k]; !ok {
			continue
		}
		if t := s.GetTask(k); t != nil && t.NBytes > 0 {
			total += t.NBytes
		}
	}
	return total
}

func (e *Engine) taskBytes(key string) int64 {
	t := e.s.GetTask(key)
	if t == nil || t.NBytes < 0 {
		return 0
	}
	return t.NBytes
}

// Replicate ensures every key in keys has at least n holders among
// candidate workers, per §4.6. Each round picks up to
// min(n-|holders|, branchingFactor*|holders|) non-holders per
// under-replicated key and asks them to fetch from an existing
// holder, preferring idle workers first; rounds repeat until every key
// converges or no round makes further progress. When delete is true,
// over-replicated keys (more than n holders) are trimmed first.
func (e *Engine) Replicate(ctx context.Context, keys []string, n int, branchingFactor int, del bool) error {
	if branchingFactor <= 0 {
		branchingFactor = 2
	}
	if n <= 0 {
		return fmt.Errorf("replicate: n must be positive")
	}

	if del {
		if err := e.trimOverReplicated(ctx, keys, n); err != nil {
			return err
		}
	}

	for round := 0; round < defaultReplicateRounds; round++ {
		var moves []move
		progressed := false

		for _, key := range keys {
			t := e.s.GetTask(key)
			if t == nil || t.State != types.StateMemory {
				continue
			}
			holders := len(t.WhoHas)
			if holders == 0 || holders >= n {
				continue
			}
			need := n - holders
			limit := branchingFactor * holders
			if limit > need {
				limit = need
			}
			if limit <= 0 {
				continue
			}

			var donor string
			for addr := range t.WhoHas {
				donor = addr
				break
			}

			targets := e.replicateTargets(t, limit)
			for _, addr := range targets {
				moves = append(moves, move{key: key, from: donor, to: addr})
			}
			if len(targets) > 0 {
				progressed = true
			}
		}

		if len(moves) == 0 {
			return nil
		}
		if err := e.applyReplicate(ctx, moves); err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// replicateTargets returns up to limit worker addresses eligible to
// receive a fresh copy of t: not already a holder, satisfying t's
// restrictions (when any are set), idle workers considered before
// busy ones.
func (e *Engine) replicateTargets(t *types.Task, limit int) []string {
	valid := e.s.ValidWorkersFor(t)
	seen := make(map[string]struct{}, limit)
	targets := make([]string, 0, limit)

	consider := func(addr string) {
		if len(targets) >= limit {
			return
		}
		if _, has := t.WhoHas[addr]; has {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		if len(valid) > 0 {
			if _, ok := valid[addr]; !ok {
				return
			}
		}
		seen[addr] = struct{}{}
		targets = append(targets, addr)
	}

	for _, addr := range e.s.IdleWorkers() {
		consider(addr)
	}
	for addr := range valid {
		consider(addr)
	}
	return targets
}

// trimOverReplicated drops arbitrary surplus holders of each
// over-replicated key down to n, per §4.6's "delete=True" phase.
func (e *Engine) trimOverReplicated(ctx context.Context, keys []string, n int) error {
	sem := make(chan struct{}, e.Concurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, key := range keys {
		t := e.s.GetTask(key)
		if t == nil || len(t.WhoHas) <= n {
			continue
		}
		surplus := len(t.WhoHas) - n
		drop := make([]string, 0, surplus)
		for addr := range t.WhoHas {
			if len(drop) >= surplus {
				break
			}
			drop = append(drop, addr)
		}

		for _, addr := range drop {
			wg.Add(1)
			sem <- struct{}{}
			go func(key, addr string) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := e.g.Delete(ctx, addr, key); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("trim %s from %s: %w", key, addr, err))
					mu.Unlock()
					return
				}
				mu.Lock()
				if tt := e.s.GetTask(key); tt != nil {
					delete(tt.WhoHas, addr)
				}
				if w := e.s.GetWorker(addr); w != nil {
					if _, held := w.HasWhat[key]; held {
						w.NBytes -= e.taskBytes(key)
					}
					delete(w.HasWhat, key)
				}
				mu.Unlock()
			}(key, addr)
		}
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("replicate: %d trim deletes failed: %v", len(errs), errs[0])
	}
	return nil
}

// apply runs rebalance moves concurrently (bounded) as gather+store+delete,
// then updates who_has bookkeeping for every move that completed.
func (e *Engine) apply(ctx context.Context, moves []move) error {
	sem := make(chan struct{}, e.Concurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, m := range moves {
		wg.Add(1)
		sem <- struct{}{}
		go func(m move) {
			defer wg.Done()
			defer func() { <-sem }()

			data, err := e.g.Gather(ctx, m.from, m.key)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("gather %s from %s: %w", m.key, m.from, err))
				mu.Unlock()
				return
			}
			if err := e.g.Store(ctx, m.to, m.key, data); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("store %s on %s: %w", m.key, m.to, err))
				mu.Unlock()
				return
			}
			if err := e.g.Delete(ctx, m.from, m.key); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete %s from %s: %w", m.key, m.from, err))
				mu.Unlock()
				return
			}

			mu.Lock()
			nb := e.taskBytes(m.key)
			if t := e.s.GetTask(m.key); t != nil {
				delete(t.WhoHas, m.from)
				t.WhoHas[m.to] = struct{}{}
			}
			if w := e.s.GetWorker(m.from); w != nil {
				delete(w.HasWhat, m.key)
				w.NBytes -= nb
			}
			if w := e.s.GetWorker(m.to); w != nil {
				w.HasWhat[m.key] = struct{}{}
				w.NBytes += nb
			}
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("rebalance: %d of %d moves failed: %v", len(errs), len(moves), errs[0])
	}
	return nil
}

// applyReplicate is apply's replicate-only sibling: it never deletes
// the donor's copy, since replication is additive.
func (e *Engine) applyReplicate(ctx context.Context, moves []move) error {
	sem := make(chan struct{}, e.Concurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, m := range moves {
		wg.Add(1)
		sem <- struct{}{}
		go func(m move) {
			defer wg.Done()
			defer func() { <-sem }()

			data, err := e.g.Gather(ctx, m.from, m.key)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("gather %s from %s: %w", m.key, m.from, err))
				mu.Unlock()
				return
			}
			if err := e.g.Store(ctx, m.to, m.key, data); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("store %s on %s: %w", m.key, m.to, err))
				mu.Unlock()
				return
			}

			mu.Lock()
			if t := e.s.GetTask(m.key); t != nil {
				t.WhoHas[m.to] = struct{}{}
			}
			if w := e.s.GetWorker(m.to); w != nil {
				w.HasWhat[m.key] = struct{}{}
				w.NBytes += e.taskBytes(m.key)
			}
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("replicate: %d of %d moves failed: %v", len(errs), len(moves), errs[0])
	}
	return nil
}
