package transition_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/transition"
	"github.com/latticesched/lattice/pkg/core/types"
)

// stubPlacer always returns the configured worker, or none.
type stubPlacer struct {
	worker *types.Worker
}

func (p *stubPlacer) DecideWorker(s *store.Store, t *types.Task) (*types.Worker, error) {
	return p.worker, nil
}

func newEngine(t *testing.T, s *store.Store, w *types.Worker) *transition.Engine {
	t.Helper()
	return transition.New(s, &stubPlacer{worker: w}, 3, zerolog.Nop())
}

func TestReleasedToWaitingRunnableRecommendsProcessing(t *testing.T) {
	s := store.New(10)
	task := types.NewTask("a")
	s.CreateTask(task)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)

	e := newEngine(t, s, w)
	recs, err := e.Transition("a", types.StateWaiting)
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, recs["a"])
}

func TestWaitingToProcessingAssignsWorker(t *testing.T) {
	s := store.New(10)
	task := types.NewTask("a")
	task.State = types.StateWaiting
	s.CreateTask(task)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)

	e := newEngine(t, s, w)
	_, err := e.Transition("a", types.StateProcessing)
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, task.State)
	assert.Equal(t, "w1", task.ProcessingOn)
	_, ok := w.Processing["a"]
	assert.True(t, ok)
}

func TestWaitingToProcessingNoWorkerFallsBackToNoWorker(t *testing.T) {
	s := store.New(10)
	task := types.NewTask("a")
	task.State = types.StateWaiting
	s.CreateTask(task)

	e := newEngine(t, s, nil)
	_, err := e.Transition("a", types.StateProcessing)
	require.NoError(t, err)
	assert.Equal(t, types.StateNoWorker, task.State)
}

func TestProcessingToMemoryWakesWaiters(t *testing.T) {
	s := store.New(10)
	producer := types.NewTask("p")
	producer.State = types.StateProcessing
	producer.ProcessingOn = "w1"
	consumer := types.NewTask("c")
	consumer.State = types.StateWaiting
	consumer.WaitingOn["p"] = struct{}{}
	producer.Waiters["c"] = struct{}{}
	s.CreateTask(producer)
	s.CreateTask(consumer)
	w := types.NewWorker("w1", 4)
	w.Processing["p"] = 0
	s.CreateWorker(w)

	e := newEngine(t, s, w)
	recs, err := e.Transition("p", types.StateMemory)
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, recs["c"])
	_, ok := w.HasWhat["p"]
	assert.True(t, ok)
}

func TestProcessingToErredPoisonsAfterAllowedFailures(t *testing.T) {
	s := store.New(10)
	task := types.NewTask("a")
	task.State = types.StateProcessing
	task.ProcessingOn = "w1"
	task.Suspicious = 4 // already over the limit (bumped by the caller before recommending erred)
	s.CreateTask(task)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)

	e := newEngine(t, s, w)
	recs, err := e.Transition("a", types.StateErred)
	require.NoError(t, err)
	assert.Nil(t, recs)
	assert.Equal(t, types.StateErred, task.State)
}

// The retry-vs-terminal decision is made upstream by the task_erred and
// remove_worker stimulus handlers (which alone know about the retry
// budget and the about-to-be-bumped suspicious count) before a
// recommendation ever reaches this edge — so a direct processing->erred
// transition always lands as a terminal erred, even with suspicious
// still well under the threshold.
func TestProcessingToErredIsAlwaysTerminal(t *testing.T) {
	s := store.New(10)
	task := types.NewTask("a")
	task.State = types.StateProcessing
	task.ProcessingOn = "w1"
	s.CreateTask(task)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)

	e := newEngine(t, s, w)
	recs, err := e.Transition("a", types.StateErred)
	require.NoError(t, err)
	assert.Nil(t, recs)
	assert.Equal(t, types.StateErred, task.State)
	assert.Equal(t, "a", task.ExceptionBlame)
}

func TestMemoryToReleasedForgetsOrphan(t *testing.T) {
	s := store.New(10)
	task := types.NewTask("a")
	task.State = types.StateMemory
	task.WhoHas["w1"] = struct{}{}
	s.CreateTask(task)
	w := types.NewWorker("w1", 4)
	w.HasWhat["a"] = struct{}{}
	s.CreateWorker(w)

	e := newEngine(t, s, w)
	recs, err := e.Transition("a", types.StateReleased)
	require.NoError(t, err)
	assert.Equal(t, types.StateForgotten, recs["a"])
	_, stillHas := w.HasWhat["a"]
	assert.False(t, stillHas)
}

func TestApplyDrainsFixedPoint(t *testing.T) {
	s := store.New(10)
	a := types.NewTask("a")
	s.CreateTask(a)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)

	e := newEngine(t, s, w)
	err := e.Apply(map[string]types.State{"a": types.StateWaiting})
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, a.State)
}

func TestIllegalEdgeReturnsError(t *testing.T) {
	s := store.New(10)
	a := types.NewTask("a")
	a.State = types.StateMemory
	s.CreateTask(a)

	e := newEngine(t, s, nil)
	_, err := e.Transition("a", types.StateProcessing)
	assert.Error(t, err)
}

// TestReleasedRedirectConvergesViaApply exercises the released->waiting
// ->processing cascade through the full fixed-point Apply path (not
// just a single Transition call) — this is how a task re-placed by
// remove_worker (itself a single "released" recommendation) actually
// lands back on a worker, since Apply keeps draining
// the stack of recommendations each edge produces.
func TestReleasedRedirectConvergesViaApply(t *testing.T) {
	s := store.New(10)
	task := types.NewTask("a")
	task.State = types.StateProcessing
	task.ProcessingOn = "w1"
	task.WhoWants["c1"] = struct{}{}
	s.CreateTask(task)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)

	e := newEngine(t, s, w)
	err := e.Apply(map[string]types.State{"a": types.StateReleased})
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, task.State)
	assert.Equal(t, "w1", task.ProcessingOn)
}

// TestErredPropagatesBlameToDependents covers P10: a dependent still
// waiting on an upstream task that poisons inherits the same blame and
// also transitions to erred, while a dependent that already finished
// (memory) is left untouched.
func TestErredPropagatesBlameToDependents(t *testing.T) {
	s := store.New(10)

	upstream := types.NewTask("up")
	upstream.State = types.StateProcessing
	upstream.ProcessingOn = "w1"
	upstream.Suspicious = 3
	upstream.Dependents["waiter"] = struct{}{}
	upstream.Dependents["done"] = struct{}{}
	s.CreateTask(upstream)

	waiter := types.NewTask("waiter")
	waiter.State = types.StateWaiting
	waiter.WaitingOn["up"] = struct{}{}
	s.CreateTask(waiter)

	done := types.NewTask("done")
	done.State = types.StateMemory
	done.WhoHas["w1"] = struct{}{}
	s.CreateTask(done)

	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)

	e := newEngine(t, s, w)
	err := e.Apply(map[string]types.State{"up": types.StateErred})
	require.NoError(t, err)

	assert.Equal(t, types.StateErred, upstream.State)
	assert.Equal(t, types.StateErred, waiter.State)
	assert.Equal(t, "up", waiter.ExceptionBlame)
	assert.Equal(t, types.StateMemory, done.State)
}
