package rebalance_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticesched/lattice/pkg/core/rebalance"
	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

// fakeGatherer is an in-memory stand-in for the transport layer,
// keyed by worker address then task key.
type fakeGatherer struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newFakeGatherer() *fakeGatherer {
	return &fakeGatherer{data: make(map[string]map[string][]byte)}
}

func (f *fakeGatherer) put(worker, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[worker] == nil {
		f.data[worker] = make(map[string][]byte)
	}
	f.data[worker][key] = data
}

func (f *fakeGatherer) Gather(_ context.Context, worker, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[worker][key], nil
}

func (f *fakeGatherer) Store(_ context.Context, worker, key string, data []byte) error {
	f.put(worker, key, data)
	return nil
}

func (f *fakeGatherer) Delete(_ context.Context, worker, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data[worker], key)
	return nil
}

func TestRebalanceMovesFromOverloadedToUnderloaded(t *testing.T) {
	s := store.New(10)
	heavy := types.NewWorker("heavy", 4)
	heavy.NBytes = 1000
	heavy.HasWhat["k1"] = struct{}{}
	light := types.NewWorker("light", 4)
	s.CreateWorker(heavy)
	s.CreateWorker(light)

	task := types.NewTask("k1")
	task.State = types.StateMemory
	task.NBytes = 1000
	task.WhoHas["heavy"] = struct{}{}
	s.CreateTask(task)

	g := newFakeGatherer()
	g.put("heavy", "k1", []byte("data"))

	e := rebalance.New(s, g, 2)
	require.NoError(t, e.Rebalance(context.Background(), nil, nil))

	_, stillHas := task.WhoHas["heavy"]
	assert.False(t, stillHas)
	_, nowHas := task.WhoHas["light"]
	assert.True(t, nowHas)
}

func TestRebalanceNoOpWithFewerThanTwoWorkers(t *testing.T) {
	s := store.New(10)
	s.CreateWorker(types.NewWorker("only", 4))
	e := rebalance.New(s, newFakeGatherer(), 2)
	assert.NoError(t, e.Rebalance(context.Background(), nil, nil))
}

func TestRebalanceScopedToGivenKeysAndWorkers(t *testing.T) {
	s := store.New(10)
	heavy := types.NewWorker("heavy", 4)
	heavy.HasWhat["k1"] = struct{}{}
	heavy.HasWhat["k2"] = struct{}{}
	heavy.NBytes = 2000
	light := types.NewWorker("light", 4)
	bystander := types.NewWorker("bystander", 4)
	s.CreateWorker(heavy)
	s.CreateWorker(light)
	s.CreateWorker(bystander)

	k1 := types.NewTask("k1")
	k1.State = types.StateMemory
	k1.NBytes = 1000
	k1.WhoHas["heavy"] = struct{}{}
	s.CreateTask(k1)

	k2 := types.NewTask("k2")
	k2.State = types.StateMemory
	k2.NBytes = 1000
	k2.WhoHas["heavy"] = struct{}{}
	s.CreateTask(k2)

	g := newFakeGatherer()
	g.put("heavy", "k1", []byte("data1"))
	g.put("heavy", "k2", []byte("data2"))

	e := rebalance.New(s, g, 2)
	require.NoError(t, e.Rebalance(context.Background(), []string{"k1"}, []string{"heavy", "light"}))

	_, k1Moved := k1.WhoHas["light"]
	assert.True(t, k1Moved, "k1 is in the scoped key set and should move")
	_, k2Moved := k2.WhoHas["bystander"]
	assert.False(t, k2Moved, "bystander was not in the scoped worker set")
	_, k2Stayed := k2.WhoHas["heavy"]
	assert.True(t, k2Stayed, "k2 is outside the scoped key set and should stay put")
}

func TestReplicateRaisesReplicationFactor(t *testing.T) {
	s := store.New(10)
	holder := types.NewWorker("holder", 4)
	s.CreateWorker(holder)
	target := types.NewWorker("target", 4)
	s.CreateWorker(target)
	s.SetIdle("target", true)

	task := types.NewTask("k1")
	task.State = types.StateMemory
	task.WhoHas["holder"] = struct{}{}
	s.CreateTask(task)

	g := newFakeGatherer()
	g.put("holder", "k1", []byte("data"))

	e := rebalance.New(s, g, 2)
	require.NoError(t, e.Replicate(context.Background(), []string{"k1"}, 2, 2, true))

	assert.Len(t, task.WhoHas, 2)
	_, holderStill := task.WhoHas["holder"]
	assert.True(t, holderStill, "replicate must not delete the donor's copy")
}

func TestReplicateNoOpWhenKeyNotInMemory(t *testing.T) {
	s := store.New(10)
	task := types.NewTask("k1")
	s.CreateTask(task)

	e := rebalance.New(s, newFakeGatherer(), 2)
	assert.NoError(t, e.Replicate(context.Background(), []string{"k1"}, 2, 2, true))
	assert.Empty(t, task.WhoHas)
}

func TestReplicateBranchingFactorLimitsTargetsPerRound(t *testing.T) {
	s := store.New(10)
	holder := types.NewWorker("holder", 4)
	s.CreateWorker(holder)
	for i := 0; i < 4; i++ {
		idle := types.NewWorker(string(rune('a'+i)), 4)
		s.CreateWorker(idle)
		s.SetIdle(idle.Address, true)
	}

	task := types.NewTask("k1")
	task.State = types.StateMemory
	task.WhoHas["holder"] = struct{}{}
	s.CreateTask(task)

	g := newFakeGatherer()
	g.put("holder", "k1", []byte("data"))

	e := rebalance.New(s, g, 4)
	require.NoError(t, e.Replicate(context.Background(), []string{"k1"}, 4, 1, false))

	assert.Len(t, task.WhoHas, 4, "branching factor 1 starting from a single holder still reaches n=4 holders over successive rounds")
}

func TestReplicateTrimsOverReplicatedKeysWhenDeleteTrue(t *testing.T) {
	s := store.New(10)
	w1 := types.NewWorker("w1", 4)
	w2 := types.NewWorker("w2", 4)
	w3 := types.NewWorker("w3", 4)
	s.CreateWorker(w1)
	s.CreateWorker(w2)
	s.CreateWorker(w3)

	task := types.NewTask("k1")
	task.State = types.StateMemory
	task.WhoHas["w1"] = struct{}{}
	task.WhoHas["w2"] = struct{}{}
	task.WhoHas["w3"] = struct{}{}
	w1.HasWhat["k1"] = struct{}{}
	w2.HasWhat["k1"] = struct{}{}
	w3.HasWhat["k1"] = struct{}{}
	s.CreateTask(task)

	g := newFakeGatherer()
	g.put("w1", "k1", []byte("data"))
	g.put("w2", "k1", []byte("data"))
	g.put("w3", "k1", []byte("data"))

	e := rebalance.New(s, g, 2)
	require.NoError(t, e.Replicate(context.Background(), []string{"k1"}, 1, 2, true))

	assert.Len(t, task.WhoHas, 1, "over-replicated key should be trimmed down to n")
}
