package stimulus_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticesched/lattice/pkg/core/stimulus"
	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/transition"
	"github.com/latticesched/lattice/pkg/core/types"
)

type stubPlacer struct{ worker *types.Worker }

func (p *stubPlacer) DecideWorker(s *store.Store, t *types.Task) (*types.Worker, error) {
	return p.worker, nil
}

func TestUpdateGraphCreatesAndRecommendsRunnableRoot(t *testing.T) {
	s := store.New(10)
	recs := stimulus.UpdateGraph(s, stimulus.UpdateGraphRequest{
		RunSpecs: map[string][]byte{"a": []byte("f")},
		Keys:     []string{"a"},
		Client:   "c1",
	})

	require.Equal(t, types.StateWaiting, recs["a"])
	task := s.GetTask("a")
	require.NotNil(t, task)
	_, wants := task.WhoWants["c1"]
	assert.True(t, wants)
	client := s.GetClient("c1")
	require.NotNil(t, client)
	_, has := client.WantsWhat["a"]
	assert.True(t, has)
}

func TestUpdateGraphWiresDependencies(t *testing.T) {
	s := store.New(10)
	recs := stimulus.UpdateGraph(s, stimulus.UpdateGraphRequest{
		RunSpecs: map[string][]byte{"a": []byte("f"), "b": []byte("g")},
		Dependencies: map[string][]string{
			"b": {"a"},
		},
		Keys:   []string{"b"},
		Client: "c1",
	})

	// b is a root key the client wants, so it is recommended to
	// waiting even though it isn't runnable yet; the transition
	// engine's releasedToWaiting edge is what actually parks it
	// without recommending it further once it sees waiting_on is
	// non-empty. a is not a root key, but it carries a run_spec and has
	// no dependencies, so it is recommended to waiting as well: it has
	// to run before b can.
	assert.Equal(t, types.StateWaiting, recs["a"])
	assert.Equal(t, types.StateWaiting, recs["b"])

	a := s.GetTask("a")
	b := s.GetTask("b")
	require.NotNil(t, a)
	require.NotNil(t, b)
	_, aIsDep := b.Dependencies["a"]
	assert.True(t, aIsDep)
	_, bIsDependent := a.Dependents["b"]
	assert.True(t, bIsDependent)
}

func TestAddWorkerStoresKnownInMemoryKeyAndUnblocksUnrunnable(t *testing.T) {
	s := store.New(10)
	blocked := types.NewTask("needs-gpu")
	blocked.State = types.StateNoWorker
	blocked.ResourceRestrictions["GPU"] = 1
	s.CreateTask(blocked)
	s.MarkUnrunnable("needs-gpu")

	w := types.NewWorker("w1:1", 4)
	w.Resources["GPU"] = 2
	recs, interval := stimulus.AddWorker(s, w, map[string]int64{"scattered": 100})

	assert.Equal(t, types.StateMemory, recs["scattered"])
	assert.Equal(t, types.StateWaiting, recs["needs-gpu"])
	assert.Equal(t, 500*time.Millisecond, interval)

	scattered := s.GetTask("scattered")
	require.NotNil(t, scattered)
	_, has := scattered.WhoHas["w1:1"]
	assert.True(t, has)
}

func TestRemoveWorkerReleasesProcessingAndForgetsOrphanedData(t *testing.T) {
	s := store.New(10)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)

	running := types.NewTask("running")
	running.State = types.StateProcessing
	running.ProcessingOn = "w1"
	running.RunSpec = []byte("f")
	s.CreateTask(running)
	w.Processing["running"] = time.Second

	scattered := types.NewTask("scattered")
	scattered.State = types.StateMemory
	scattered.WhoHas["w1"] = struct{}{}
	s.CreateTask(scattered)
	w.HasWhat["scattered"] = struct{}{}

	recs := stimulus.RemoveWorker(s, "w1", true, 3)
	assert.Equal(t, types.StateReleased, recs["running"])
	assert.Equal(t, types.StateForgotten, recs["scattered"])
	assert.Nil(t, s.GetWorker("w1"))
}

// An unsafe removal bumps suspicious but, as long as that stays within
// allowedFailures, recommends released — not erred — so the task gets
// re-placed on a different worker instead of failing outright (§4.3).
func TestRemoveWorkerUnsafeRecommendsReleasedWithinAllowedFailures(t *testing.T) {
	s := store.New(10)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)
	task := types.NewTask("running")
	task.State = types.StateProcessing
	task.ProcessingOn = "w1"
	task.RunSpec = []byte("f")
	s.CreateTask(task)
	w.Processing["running"] = time.Second

	recs := stimulus.RemoveWorker(s, "w1", false, 3)
	assert.Equal(t, types.StateReleased, recs["running"])
	assert.Equal(t, 1, task.Suspicious)
}

// Once suspicious has already crossed allowedFailures, a further
// unsafe removal recommends erred directly rather than another
// released/re-placement cycle.
func TestRemoveWorkerUnsafeRecommendsErredOncePoisoned(t *testing.T) {
	s := store.New(10)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)
	task := types.NewTask("running")
	task.State = types.StateProcessing
	task.ProcessingOn = "w1"
	task.RunSpec = []byte("f")
	task.Suspicious = 3
	s.CreateTask(task)
	w.Processing["running"] = time.Second

	recs := stimulus.RemoveWorker(s, "w1", false, 3)
	assert.Equal(t, types.StateErred, recs["running"])
	assert.Equal(t, 4, task.Suspicious)
}

func TestTaskFinishedRecommendsMemoryOnlyForCurrentWorker(t *testing.T) {
	s := store.New(10)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)
	task := types.NewTask("a")
	task.State = types.StateProcessing
	task.ProcessingOn = "w1"
	s.CreateTask(task)

	recs, shouldReleaseBack := stimulus.TaskFinished(s, "a", "w1", 128, 10*time.Millisecond)
	assert.Equal(t, types.StateMemory, recs["a"])
	assert.False(t, shouldReleaseBack)

	// A stale report from a worker that isn't processing it and
	// doesn't already hold it asks the transport layer to tell that
	// worker to drop the task.
	_, shouldReleaseBack = stimulus.TaskFinished(s, "a", "w2", 128, 10*time.Millisecond)
	assert.True(t, shouldReleaseBack)
}

func TestMissingDataDropsOnlyReportingWorkerConservatively(t *testing.T) {
	s := store.New(10)
	cause := types.NewTask("x")
	cause.State = types.StateMemory
	cause.RunSpec = []byte("f")
	cause.WhoHas["w1"] = struct{}{}
	cause.WhoHas["w2"] = struct{}{}
	s.CreateTask(cause)

	recs := stimulus.MissingData(s, "x", "w1")
	assert.Nil(t, recs) // w2 still holds it, no recomputation needed
	_, stillW2 := cause.WhoHas["w2"]
	assert.True(t, stillW2)

	recs = stimulus.MissingData(s, "x", "w2")
	assert.Equal(t, types.StateReleased, recs["x"])
}

func TestCancelIsIdempotent(t *testing.T) {
	s := store.New(10)
	task := types.NewTask("a")
	task.State = types.StateMemory
	task.WhoWants["c1"] = struct{}{}
	s.CreateTask(task)
	client := types.NewClient("c1")
	client.WantsWhat["a"] = struct{}{}
	s.CreateClient(client)

	first := stimulus.Cancel(s, []string{"a"}, "c1", false)
	assert.Equal(t, types.StateReleased, first["a"])

	e := transition.New(s, &stubPlacer{}, 3, zerolog.Nop())
	require.NoError(t, e.Apply(first))

	second := stimulus.Cancel(s, []string{"a"}, "c1", false)
	assert.Nil(t, second)
}

func TestTaskErredThenAppliedRetriesWithRetryBudget(t *testing.T) {
	s := store.New(10)
	w := types.NewWorker("w1", 4)
	s.CreateWorker(w)
	task := types.NewTask("a")
	task.State = types.StateProcessing
	task.ProcessingOn = "w1"
	task.Retries = 1
	task.WhoWants["c1"] = struct{}{}
	s.CreateTask(task)

	recs := stimulus.TaskErred(s, "a", "w1", []byte("boom"), nil, 3)
	require.Equal(t, types.StateWaiting, recs["a"])

	e := transition.New(s, &stubPlacer{worker: w}, 3, zerolog.Nop())
	require.NoError(t, e.Apply(recs))

	assert.Equal(t, types.StateProcessing, task.State)
	assert.Equal(t, 0, task.Retries)
}
