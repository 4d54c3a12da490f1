package transition

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

// Placer decides which worker a waiting task should run on. Satisfied
// by pkg/core/placement.Engine; kept as an interface here so this
// package never imports placement.
type Placer interface {
	DecideWorker(s *store.Store, t *types.Task) (*types.Worker, error)
}

// edgeFunc runs an edge's side effects. It does not set t.State to the
// requested target; the engine does that once the function returns
// without error. The one exception is waitingToProcessing, which parks
// an unplaceable task in no-worker itself, and Transition detects that
// redirect.
type edgeFunc func(e *Engine, t *types.Task) (map[string]types.State, error)

// Engine owns the legal-edge table and applies recommendations to a
// store's tasks.
type Engine struct {
	store  *store.Store
	placer Placer
	log    zerolog.Logger

	edges map[types.State]map[types.State]edgeFunc

	allowedFailures int
}

// New returns a transition engine bound to s, using placer for
// waiting->processing placement decisions.
func New(s *store.Store, placer Placer, allowedFailures int, log zerolog.Logger) *Engine {
	e := &Engine{
		store:           s,
		placer:          placer,
		log:             log.With().Str("component", "transition").Logger(),
		allowedFailures: allowedFailures,
	}
	e.edges = map[types.State]map[types.State]edgeFunc{
		types.StateReleased: {
			types.StateWaiting:   releasedToWaiting,
			types.StateMemory:    anyToMemoryDirect,
			types.StateForgotten: anyToForgotten,
		},
		types.StateWaiting: {
			types.StateProcessing: waitingToProcessing,
			types.StateNoWorker:   waitingToNoWorker,
			types.StateReleased:   anyToReleasedNoop,
			types.StateMemory:     anyToMemoryDirect,
			types.StateForgotten:  anyToForgotten,
		},
		types.StateNoWorker: {
			types.StateWaiting:   noWorkerToWaiting,
			types.StateReleased:  anyToReleasedNoop,
			types.StateMemory:    anyToMemoryDirect,
			types.StateForgotten: anyToForgotten,
		},
		types.StateProcessing: {
			types.StateMemory:    processingToMemory,
			types.StateWaiting:   processingToWaiting,
			types.StateReleased:  processingToReleased,
			types.StateErred:     processingToErred,
			types.StateForgotten: anyToForgotten,
		},
		types.StateMemory: {
			types.StateReleased:  memoryToReleased,
			types.StateForgotten: anyToForgotten,
		},
		types.StateErred: {
			types.StateWaiting:   erredToWaiting,
			types.StateForgotten: anyToForgotten,
		},
	}
	// Dependents of a task that just erred are cascaded to erred too,
	// carrying the same exception_blame, regardless of which
	// non-terminal state they happen to be sitting in when the blame
	// arrives (§4.1 processing->erred effects, §4.8).
	e.edges[types.StateWaiting][types.StateErred] = anyToErred
	e.edges[types.StateNoWorker][types.StateErred] = anyToErred
	e.edges[types.StateReleased][types.StateErred] = anyToErred
	return e
}

// Transition moves a single task to target if the edge is legal,
// running its side-effect function and returning any further
// recommendations it produces. A no-op (from == target) returns nil,
// nil without consulting the edge table.
func (e *Engine) Transition(key string, target types.State) (map[string]types.State, error) {
	t := e.store.GetTask(key)
	if t == nil {
		if target == types.StateForgotten {
			return nil, nil
		}
		return nil, fmt.Errorf("transition: unknown task %q", key)
	}
	from := t.State
	if from == target {
		return nil, nil
	}

	byTarget, ok := e.edges[from]
	if !ok {
		return nil, fmt.Errorf("transition: no edges defined from state %q", from)
	}
	fn, ok := byTarget[target]
	if !ok {
		return nil, fmt.Errorf("transition: illegal edge %s -> %s for task %q", from, target, key)
	}

	recs, err := fn(e, t)
	if err != nil {
		return nil, err
	}

	// waitingToProcessing (and any other edge that discovers mid-flight
	// it cannot reach the requested target) may set t.State itself, to
	// something other than target — e.g. no-worker instead of
	// processing when placement finds no candidate. Only apply the
	// requested target if the edge left the task's state untouched.
	final := target
	if t.State != from {
		final = t.State
	} else {
		t.State = target
	}
	t.UpdatedAt = time.Now()

	// The unrunnable index mirrors the no-worker state (§3 invariant 4),
	// maintained centrally here so no edge function can leave the two
	// out of sync.
	if final == types.StateNoWorker {
		e.store.MarkUnrunnable(key)
	} else if from == types.StateNoWorker {
		e.store.ClearUnrunnable(key)
	}

	logged := make(map[string]string, len(recs))
	for k, v := range recs {
		logged[k] = string(v)
	}
	e.store.Log.Append(key, string(from), string(final), logged, time.Now().UnixNano())
	e.log.Debug().Str("key", key).Str("from", string(from)).Str("to", string(final)).Msg("transitioned")

	return recs, nil
}

// maxApplyIterations guards against a buggy edge function that keeps
// recommending the same key forever; real recommendation chains are
// always finite because every edge moves a task toward a terminal or
// stable state.
const maxApplyIterations = 100_000

// Apply drains a LIFO stack of recommendations to a fixed point,
// starting from initial. Duplicates collapse by key: when a pending
// recommendation already exists for a key, a later one replaces it
// only if its target is strictly more advanced on the
// released<waiting<processing<memory ordering (erred/forgotten
// terminal), per §4.1's tie-break rule. The tie-break governs only
// pending duplicates — a recommendation that moves a task backward
// (processing->released on worker loss, memory->released on cancel)
// is an ordinary legal edge and applies like any other.
func (e *Engine) Apply(initial map[string]types.State) error {
	stack := make([]string, 0, len(initial))
	pending := make(map[string]types.State, len(initial))
	for k, v := range initial {
		pending[k] = v
		stack = append(stack, k)
	}

	iterations := 0
	for len(stack) > 0 {
		iterations++
		if iterations > maxApplyIterations {
			e.log.Warn().Msg("transition apply aborted: recommendation stack exceeded iteration cap")
			return fmt.Errorf("transition: recommendation stack did not converge")
		}

		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		target, ok := pending[key]
		if !ok {
			continue
		}
		delete(pending, key)

		t := e.store.GetTask(key)
		if t == nil || t.State == target {
			continue
		}

		recs, err := e.Transition(key, target)
		if err != nil {
			e.log.Warn().Err(err).Str("key", key).Str("target", string(target)).Msg("recommendation failed")
			continue
		}
		for k, v := range recs {
			if cur, dup := pending[k]; dup {
				if types.MoreAdvanced(cur, v) {
					pending[k] = v
				}
				continue
			}
			pending[k] = v
			stack = append(stack, k)
		}
	}
	return nil
}

// allowedFailuresExceeded reports whether a task's suspicious counter
// has crossed the configured threshold, tipping it into a permanent
// PoisonedTaskError rather than a retryable processing->waiting cycle.
func (e *Engine) allowedFailuresExceeded(t *types.Task) bool {
	limit := t.AllowedFails
	if limit == 0 {
		limit = e.allowedFailures
	}
	return t.Suspicious > limit
}
