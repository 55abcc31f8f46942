package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/moltbot/service/task"
)

func TestSelectHintWins(t *testing.T) {
	r := New(StrategyAvailability)
	r.Register(Model{Name: "a", ProviderTag: "openai"})
	r.Register(Model{Name: "b", ProviderTag: "openai"})

	m, err := r.Select("b")
	require.NoError(t, err)
	assert.Equal(t, "b", m.Name)
}

func TestSelectUnavailableHintFallsBackToStrategy(t *testing.T) {
	r := New(StrategyAvailability)
	r.Register(Model{Name: "a", ProviderTag: "openai"})
	r.SetAvailable("a", false)
	r.Register(Model{Name: "b", ProviderTag: "openai"})

	m, err := r.Select("a")
	require.NoError(t, err)
	assert.Equal(t, "b", m.Name)
}

func TestSelectNoAvailableModel(t *testing.T) {
	r := New(StrategyAvailability)
	r.Register(Model{Name: "a"})
	r.SetAvailable("a", false)

	_, err := r.Select("")
	assert.ErrorIs(t, err, task.ErrNoAvailableModel)
}

func TestLoadStrategyPicksLeastUsed(t *testing.T) {
	r := New(StrategyLoad)
	r.Register(Model{Name: "busy"})
	r.Register(Model{Name: "idle"})
	r.RecordSuccess("busy", time.Millisecond)
	r.RecordSuccess("busy", time.Millisecond)

	m, err := r.Select("")
	require.NoError(t, err)
	assert.Equal(t, "idle", m.Name)
}

func TestCostStrategyTieBreaksOnWeight(t *testing.T) {
	r := New(StrategyCost)
	r.Register(Model{Name: "light", CostPerToken: 0.01, Weight: 1})
	r.Register(Model{Name: "heavy", CostPerToken: 0.01, Weight: 5})

	m, err := r.Select("")
	require.NoError(t, err)
	assert.Equal(t, "heavy", m.Name)
}

func TestRecordSuccessAndFailureMoveEMA(t *testing.T) {
	r := New(StrategyAvailability)
	r.Register(Model{Name: "a"})
	snap, _ := r.Get("a")
	require.Equal(t, 1.0, snap.SuccessRate)

	r.RecordFailure("a", 10*time.Millisecond)
	snap, _ = r.Get("a")
	assert.InDelta(t, 0.98, snap.SuccessRate, 0.0001)

	r.RecordSuccess("a", 10*time.Millisecond)
	snap, _ = r.Get("a")
	assert.Greater(t, snap.SuccessRate, 0.98)
}

func TestDeregisterRemovesModel(t *testing.T) {
	r := New(StrategyRandom)
	r.Register(Model{Name: "a"})
	r.Deregister("a")

	_, ok := r.Get("a")
	assert.False(t, ok)
}
