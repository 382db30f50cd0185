package positions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
)

func held(symbol string) models.Position {
	return models.Position{Symbol: symbol, Status: models.StatusHeld, BuyPrice: 1000, BuyQty: 10}
}

func TestBookPersistsAcrossRestarts(t *testing.T) {
	store := storage.NewMockStorage()

	b := NewBook(store, nil)
	pos := held("005930")
	pos.CustomStopLossRate = -2.5
	pos.OvernightApproved = true
	b.Put(pos)

	b2 := NewBook(store, nil)
	restored, ok := b2.Get("005930")
	require.True(t, ok)
	assert.Equal(t, -2.5, restored.CustomStopLossRate)
	assert.True(t, restored.OvernightApproved)
}

func TestAdmissionCheckBlocksWhileHolding(t *testing.T) {
	b := NewBook(storage.NewMockStorage(), nil)
	b.Put(held("005930"))

	ok, reason := b.AdmissionCheck("005930")
	assert.False(t, ok)
	assert.Contains(t, reason, "holding")
}

func TestAdmissionCheckInFlightAndRelease(t *testing.T) {
	b := NewBook(storage.NewMockStorage(), nil)

	ok, _ := b.AdmissionCheck("005930")
	require.True(t, ok)

	ok, reason := b.AdmissionCheck("005930")
	assert.False(t, ok)
	assert.Contains(t, reason, "in flight")

	// Releasing clears the lock but the attempt history still blocks.
	b.Release("005930")
	ok, reason = b.AdmissionCheck("005930")
	assert.False(t, ok)
	assert.Contains(t, reason, "recently")
}

func TestAdmissionCheckCooldown(t *testing.T) {
	b := NewBook(storage.NewMockStorage(), nil)
	b.SetCooldown("005930", time.Minute)

	ok, reason := b.AdmissionCheck("005930")
	assert.False(t, ok)
	assert.Contains(t, reason, "cooldown")

	// Expired cooldowns are pruned on read.
	b.SetCooldown("000660", -time.Second)
	assert.NotContains(t, b.Cooldowns(), "000660")
}

func TestRemoveWithCooldown(t *testing.T) {
	b := NewBook(storage.NewMockStorage(), nil)
	b.Put(held("005930"))
	b.Remove("005930", 30*time.Minute)

	_, ok := b.Get("005930")
	assert.False(t, ok)
	ok, _ = b.AdmissionCheck("005930")
	assert.False(t, ok)
}

func TestTransitionEnforcesGraph(t *testing.T) {
	b := NewBook(storage.NewMockStorage(), nil)
	pos := held("005930")
	pos.ActiveOrderID = ""
	b.Put(pos)

	require.NoError(t, b.Transition("005930", models.StatusSellOrdered))
	assert.Error(t, b.Transition("005930", models.StatusBuyOrdered))
	require.NoError(t, b.Transition("005930", models.StatusHeld))
	assert.Error(t, b.Transition("999999", models.StatusHeld), "unknown symbol")
}
