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

// sequencePlacer hands out workers from a fixed list in order, one per
// call, then keeps returning the last one — enough to pin down exactly
// which worker a task lands on across a scenario's successive
// placements (e.g. scenario 4's "another worker" after a loss, or
// scenario 3's four distinct failing workers), which a real
// cost-minimizing placement.Engine would not guarantee deterministically
// in a unit test.
type sequencePlacer struct {
	workers []*types.Worker
	calls   int
}

func (p *sequencePlacer) DecideWorker(s *store.Store, t *types.Task) (*types.Worker, error) {
	if len(p.workers) == 0 {
		return nil, nil
	}
	i := p.calls
	if i >= len(p.workers) {
		i = len(p.workers) - 1
	}
	p.calls++
	return p.workers[i], nil
}

func newWorker(s *store.Store, address string, ncores int) *types.Worker {
	w := types.NewWorker(address, ncores)
	s.CreateWorker(w)
	return w
}

// Scenario 1 (spec §8): submit a linear chain a -> b -> c with a
// client wanting c. All three finish in memory, c is still wanted by
// the client, and the transition log records released->waiting->processing->
// memory for each key.
func TestScenarioLinearChain(t *testing.T) {
	s := store.New(100)
	w1 := newWorker(s, "w1", 2)
	w2 := newWorker(s, "w2", 2)
	e := transition.New(s, &sequencePlacer{workers: []*types.Worker{w1, w2, w1}}, 3, zerolog.Nop())

	recs := stimulus.UpdateGraph(s, stimulus.UpdateGraphRequest{
		RunSpecs: map[string][]byte{"a": []byte("inc")},
		Keys:     []string{},
		Client:   "client-1",
	})
	require.NoError(t, e.Apply(recs))

	recs = stimulus.UpdateGraph(s, stimulus.UpdateGraphRequest{
		RunSpecs:     map[string][]byte{"b": []byte("inc")},
		Dependencies: map[string][]string{"b": {"a"}},
		Client:       "client-1",
	})
	require.NoError(t, e.Apply(recs))

	recs = stimulus.UpdateGraph(s, stimulus.UpdateGraphRequest{
		RunSpecs:     map[string][]byte{"c": []byte("inc")},
		Dependencies: map[string][]string{"c": {"b"}},
		Keys:         []string{"c"},
		Client:       "client-1",
	})
	require.NoError(t, e.Apply(recs))

	// a has no deps, so it is already runnable and processing.
	a := s.GetTask("a")
	require.Equal(t, types.StateProcessing, a.State)
	b := s.GetTask("b")
	require.Equal(t, types.StateWaiting, b.State)
	c := s.GetTask("c")
	require.Equal(t, types.StateWaiting, c.State)

	finish := func(key, worker string) {
		recs, notifyWorker := stimulus.TaskFinished(s, key, worker, 8, 20*time.Millisecond)
		require.False(t, notifyWorker)
		require.NoError(t, e.Apply(recs))
	}

	finish("a", a.ProcessingOn)
	require.Equal(t, types.StateMemory, a.State)
	require.Equal(t, types.StateProcessing, b.State)

	finish("b", b.ProcessingOn)
	require.Equal(t, types.StateMemory, b.State)
	require.Equal(t, types.StateProcessing, c.State)

	finish("c", c.ProcessingOn)
	require.Equal(t, types.StateMemory, c.State)

	_, wants := c.WhoWants["client-1"]
	assert.True(t, wants)

	entries := s.Log.Entries()
	seen := map[string][]string{}
	for _, ent := range entries {
		seen[ent.Key] = append(seen[ent.Key], ent.From+"->"+ent.To)
	}
	for _, key := range []string{"a", "b", "c"} {
		path := seen[key]
		require.NotEmpty(t, path, "key %s has no transition log entries", key)
		assert.Equal(t, "released->waiting", path[0])
		assert.Equal(t, "waiting->processing", path[1])
		assert.Equal(t, "processing->memory", path[2])
	}
}

// Scenario 2 (spec §8): task x has retries=1; it errs once, then
// succeeds on the second attempt. Expected transitions:
// processing->waiting->processing->memory, with no terminal erred
// state ever reached.
func TestScenarioSingleRetry(t *testing.T) {
	s := store.New(100)
	w1 := newWorker(s, "w1", 1)
	e := transition.New(s, &sequencePlacer{workers: []*types.Worker{w1, w1}}, 3, zerolog.Nop())

	recs := stimulus.UpdateGraph(s, stimulus.UpdateGraphRequest{
		RunSpecs: map[string][]byte{"x": []byte("flaky")},
		Keys:     []string{"x"},
		Client:   "client-1",
	})
	require.NoError(t, e.Apply(recs))
	x := s.GetTask("x")
	x.Retries = 1
	require.Equal(t, types.StateProcessing, x.State)

	recs = stimulus.TaskErred(s, "x", "w1", []byte("boom"), nil, 3)
	require.NoError(t, e.Apply(recs))
	assert.Equal(t, types.StateProcessing, x.State)
	assert.Equal(t, 0, x.Retries)
	assert.Equal(t, 1, x.Suspicious)

	finRecs, notifyWorker := stimulus.TaskFinished(s, "x", "w1", 4, 5*time.Millisecond)
	require.False(t, notifyWorker)
	require.NoError(t, e.Apply(finRecs))
	assert.Equal(t, types.StateMemory, x.State)

	// The retry takes the direct processing->waiting edge, never a
	// released detour.
	var path []string
	for _, ent := range s.Log.Entries() {
		if ent.Key == "x" {
			path = append(path, ent.From+"->"+ent.To)
		}
	}
	assert.Equal(t, []string{
		"released->waiting",
		"waiting->processing",
		"processing->waiting",
		"waiting->processing",
		"processing->memory",
	}, path)
	// A successful retry never reaches the terminal blame-stamping
	// branch of processingToErred, so exception_blame stays unset even
	// though the stale exception bytes from the first attempt remain on
	// the task (nothing clears them on a successful retry) — it is
	// exception_blame, not the raw exception bytes, that gates whether
	// a client ever sees a task-erred message.
	assert.Empty(t, x.ExceptionBlame)
}

// Scenario 3 (spec §8): task y fails on 4 distinct workers with
// allowed_failures=3. On the 4th failure it transitions to erred with
// a KilledWorker cause rather than being retried again.
func TestScenarioPoisoning(t *testing.T) {
	s := store.New(100)
	workers := []*types.Worker{
		newWorker(s, "w1", 1),
		newWorker(s, "w2", 1),
		newWorker(s, "w3", 1),
		newWorker(s, "w4", 1),
	}
	e := transition.New(s, &sequencePlacer{workers: workers}, 3, zerolog.Nop())

	recs := stimulus.UpdateGraph(s, stimulus.UpdateGraphRequest{
		RunSpecs: map[string][]byte{"y": []byte("bad")},
		Keys:     []string{"y"},
		Client:   "client-1",
	})
	require.NoError(t, e.Apply(recs))
	y := s.GetTask("y")
	y.Retries = 100 // retries alone never prevent poisoning once suspicious exceeds allowed_failures

	for i, w := range workers {
		require.Equal(t, types.StateProcessing, y.State, "iteration %d", i)
		require.Equal(t, w.Address, y.ProcessingOn)
		recs := stimulus.TaskErred(s, "y", w.Address, []byte("fail"), nil, 3)
		require.NoError(t, e.Apply(recs))
	}

	assert.Equal(t, types.StateErred, y.State)
	// exception_blame names the originating erred task itself, not the
	// worker it last ran on — the worker identity lives in the logged
	// KilledWorker cause, not on the task.
	assert.Equal(t, "y", y.ExceptionBlame)
	assert.Equal(t, 4, y.Suspicious)
}

// Scenario 4 (spec §8): a task processing on w1 loses its worker
// mid-execution. It returns to released, is re-placed on a different
// worker, and finishes in memory with suspicious=1 and no client error.
func TestScenarioWorkerLossMidExecution(t *testing.T) {
	s := store.New(100)
	w1 := newWorker(s, "w1", 1)
	w2 := newWorker(s, "w2", 1)
	e := transition.New(s, &sequencePlacer{workers: []*types.Worker{w1, w2}}, 3, zerolog.Nop())

	recs := stimulus.UpdateGraph(s, stimulus.UpdateGraphRequest{
		RunSpecs: map[string][]byte{"x": []byte("slow")},
		Keys:     []string{"x"},
		Client:   "client-1",
	})
	require.NoError(t, e.Apply(recs))
	x := s.GetTask("x")
	require.Equal(t, types.StateProcessing, x.State)
	require.Equal(t, "w1", x.ProcessingOn)

	// Worker loss: an unsafe remove_worker, exactly §4.8's "worker comm
	// drop" path.
	recs = stimulus.RemoveWorker(s, "w1", false, 3)
	require.NoError(t, e.Apply(recs))
	assert.Equal(t, types.StateProcessing, x.State)
	assert.Equal(t, "w2", x.ProcessingOn)
	assert.Equal(t, 1, x.Suspicious)

	finRecs, notifyWorker := stimulus.TaskFinished(s, "x", "w2", 16, 5*time.Millisecond)
	require.False(t, notifyWorker)
	require.NoError(t, e.Apply(finRecs))
	assert.Equal(t, types.StateMemory, x.State)
	assert.Empty(t, x.Exception)
	assert.Nil(t, s.GetWorker("w1"))
}

// Scenario 5 (spec §8): a client releases the root of a dependent
// chain it alone wants. Every descendant not wanted by another client
// transitions to forgotten, and no worker is left referencing it.
func TestScenarioCascadeRelease(t *testing.T) {
	s := store.New(100)
	w1 := newWorker(s, "w1", 4)
	e := transition.New(s, &sequencePlacer{workers: []*types.Worker{w1, w1, w1}}, 3, zerolog.Nop())

	root := types.NewTask("root")
	root.Dependents["mid"] = struct{}{}
	root.WhoHas["w1"] = struct{}{}
	root.State = types.StateMemory
	root.WhoWants["client-1"] = struct{}{}
	w1.HasWhat["root"] = struct{}{}
	s.CreateTask(root)

	mid := types.NewTask("mid")
	mid.Dependencies["root"] = struct{}{}
	mid.Dependents["leaf"] = struct{}{}
	mid.WhoHas["w1"] = struct{}{}
	mid.State = types.StateMemory
	w1.HasWhat["mid"] = struct{}{}
	s.CreateTask(mid)
	root.Waiters["mid"] = struct{}{}

	leaf := types.NewTask("leaf")
	leaf.Dependencies["mid"] = struct{}{}
	leaf.WhoHas["w1"] = struct{}{}
	leaf.State = types.StateMemory
	w1.HasWhat["leaf"] = struct{}{}
	s.CreateTask(leaf)
	mid.Waiters["leaf"] = struct{}{}

	client := types.NewClient("client-1")
	client.WantsWhat["root"] = struct{}{}
	s.CreateClient(client)

	recs := stimulus.Cancel(s, []string{"root"}, "client-1", false)
	require.NoError(t, e.Apply(recs))

	for _, key := range []string{"root", "mid", "leaf"} {
		assert.Nil(t, s.GetTask(key), "expected %s to be forgotten", key)
	}
	assert.Empty(t, w1.HasWhat)
}
