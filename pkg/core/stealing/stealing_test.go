package stealing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticesched/lattice/pkg/core/stealing"
	"github.com/latticesched/lattice/pkg/core/store"
	"github.com/latticesched/lattice/pkg/core/types"
)

func TestProposeStealsFromSaturatedToIdle(t *testing.T) {
	s := store.New(10)
	s.CreateTask(types.NewTask("x"))
	busy := types.NewWorker("busy", 1)
	busy.Processing["x"] = 2 * time.Second
	busy.Occupancy = 2 * time.Second
	s.CreateWorker(busy)
	idle := types.NewWorker("idle", 1)
	s.CreateWorker(idle)

	s.SetSaturated("busy", true)
	s.SetIdle("idle", true)

	e := stealing.New(s, 0)
	proposals := e.Propose()
	require.Len(t, proposals, 1)
	assert.Equal(t, "busy", proposals[0].From)
	assert.Equal(t, "idle", proposals[0].To)
	assert.Equal(t, "x", proposals[0].Key)
	assert.Equal(t, 1, e.InFlightCount())
}

func TestProposeSkipsInFlightTask(t *testing.T) {
	s := store.New(10)
	s.CreateTask(types.NewTask("x"))
	busy := types.NewWorker("busy", 1)
	busy.Processing["x"] = 2 * time.Second
	busy.Occupancy = 2 * time.Second
	s.CreateWorker(busy)
	idle1 := types.NewWorker("idle1", 1)
	idle2 := types.NewWorker("idle2", 1)
	s.CreateWorker(idle1)
	s.CreateWorker(idle2)
	s.SetSaturated("busy", true)
	s.SetIdle("idle1", true)
	s.SetIdle("idle2", true)

	e := stealing.New(s, 0)
	proposals := e.Propose()
	require.Len(t, proposals, 1, "only one idle worker should get the single stealable task")
}

func TestConfirmFreesTaskForFutureSteal(t *testing.T) {
	s := store.New(10)
	s.CreateTask(types.NewTask("x"))
	busy := types.NewWorker("busy", 1)
	busy.Processing["x"] = time.Second
	busy.Occupancy = time.Second
	s.CreateWorker(busy)
	idle := types.NewWorker("idle", 1)
	s.CreateWorker(idle)
	s.SetSaturated("busy", true)
	s.SetIdle("idle", true)

	e := stealing.New(s, 0)
	e.Propose()
	require.Equal(t, 1, e.InFlightCount())
	e.Confirm("x")
	assert.Equal(t, 0, e.InFlightCount())
}

func TestProposeNoIdleOrSaturatedReturnsNil(t *testing.T) {
	s := store.New(10)
	e := stealing.New(s, 0)
	assert.Nil(t, e.Propose())
}
