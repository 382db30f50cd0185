package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/backtest"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/positions"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
)

type fakeEvents struct {
	mu        sync.Mutex
	queue     []models.ConditionEvent
	connected bool
}

func (f *fakeEvents) PopConditionEvent() (models.ConditionEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return models.ConditionEvent{}, false
	}
	ev := f.queue[0]
	f.queue = f.queue[1:]
	return ev, true
}

func (f *fakeEvents) Connected() bool { return f.connected }

type fakeEntries struct {
	mu      sync.Mutex
	handled []models.ConditionEvent
}

func (f *fakeEntries) Handle(_ context.Context, ev models.ConditionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, ev)
}

func (f *fakeEntries) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

type fakeExits struct {
	ticks         int
	closePasses   int
	morningPasses int
	bulkSells     int
}

func (f *fakeExits) Tick(context.Context)        { f.ticks++ }
func (f *fakeExits) ClosePass(context.Context)   { f.closePasses++ }
func (f *fakeExits) MorningPass(context.Context) { f.morningPasses++ }
func (f *fakeExits) BulkSell(context.Context) int {
	f.bulkSells++
	return 2
}

type engineFixture struct {
	eng     *engine
	store   *storage.MockStorage
	events  *fakeEvents
	entries *fakeEntries
	exits   *fakeExits
	brk     *fakeBroker
}

func newEngineFixture(t *testing.T, seed models.Settings) *engineFixture {
	t.Helper()
	store := storage.NewMockStorage()
	require.NoError(t, store.SetKV(storage.SettingsKey, seed))

	book := positions.NewBook(store, quietLogger())
	events := &fakeEvents{connected: true}
	entries := &fakeEntries{}
	exits := &fakeExits{}
	brk := &fakeBroker{}
	rec := newReconciler(book, brk, &fakeSubs{}, fakeNames{}, func() models.Settings { return seed }, quietLogger())
	rec.now = midday
	sim := backtest.NewSimulator(brk, quietLogger())

	loc := time.FixedZone("KST", 9*3600)
	eng := newEngine(store, book, events, entries, exits, rec, sim, nil, loc, "12345678", seed, quietLogger())
	eng.now = midday
	return &engineFixture{eng: eng, store: store, events: events, entries: entries, exits: exits, brk: brk}
}

func runningSettings() models.Settings {
	cfg := models.DefaultSettings()
	cfg.BotStatus = models.StatusRunning
	return cfg
}

func TestDrainEventsDispatchesWhileRunning(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	f.events.queue = []models.ConditionEvent{
		{ConditionID: "1", Symbol: "005930", Type: "I", Price: 71500},
	}

	f.eng.drainEvents(context.Background(), runningSettings(), midday())

	require.Eventually(t, func() bool { return f.entries.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestDrainEventsDiscardsWhileStopped(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	f.events.queue = []models.ConditionEvent{
		{ConditionID: "1", Symbol: "005930", Type: "I"},
	}
	cfg := runningSettings()
	cfg.BotStatus = models.StatusStopped

	f.eng.drainEvents(context.Background(), cfg, midday())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.entries.count())
	_, more := f.events.PopConditionEvent()
	assert.False(t, more, "queue drained even when events are discarded")
}

func TestDrainEventsDiscardsOutsideWindow(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	f.events.queue = []models.ConditionEvent{
		{ConditionID: "1", Symbol: "005930", Type: "I"},
	}
	loc := time.FixedZone("KST", 9*3600)
	evening := time.Date(2026, time.August, 24, 16, 0, 0, 0, loc)

	f.eng.drainEvents(context.Background(), runningSettings(), evening)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.entries.count())
}

func TestReloadSettingsRestart(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	cfg := runningSettings()
	cfg.BotStatus = models.StatusRestarting
	cfg.IntendedStatus = models.StatusRunning
	require.NoError(t, f.store.SetKV(storage.SettingsKey, cfg))

	err := f.eng.reloadSettings()
	assert.ErrorIs(t, err, errRestart)

	var stored models.Settings
	found, err := f.store.GetKV(storage.SettingsKey, &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StatusRunning, stored.BotStatus, "intended status restored")
	assert.Empty(t, stored.IntendedStatus)
}

func TestReloadSettingsModeFlip(t *testing.T) {
	seed := runningSettings() // MockTrade true by default
	f := newEngineFixture(t, seed)
	flipped := seed
	flipped.MockTrade = false
	require.NoError(t, f.store.SetKV(storage.SettingsKey, flipped))

	err := f.eng.reloadSettings()
	assert.ErrorIs(t, err, errModeFlip)

	var stored models.Settings
	_, gerr := f.store.GetKV(storage.SettingsKey, &stored)
	require.NoError(t, gerr)
	assert.Equal(t, models.StatusRestarting, stored.BotStatus)
}

func TestBulkSellCommand(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	require.NoError(t, f.store.PushCommand(models.CommandBulkSell, ""))

	f.eng.handleCommands(context.Background())

	assert.Equal(t, 1, f.exits.bulkSells)
	cmd, err := f.store.PopCommand()
	assert.ErrorIs(t, err, storage.ErrNoCommand)
	assert.Nil(t, cmd, "command consumed")
}

func TestEmptyCommandQueueStaysQuiet(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	var buf bytes.Buffer
	f.eng.logger = log.New(&buf, "", 0)

	f.eng.handleCommands(context.Background())

	assert.Empty(t, buf.String(), "an empty queue is the normal case, not an error")
}

func TestBacktestRejectedInMockMode(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	payload := `[{"stock_code":"005930","date":"20260820","time":"100000"}]`
	require.NoError(t, f.store.PushCommand(models.CommandBacktestReq, payload))

	f.eng.handleCommands(context.Background())

	var report backtestReport
	found, err := f.store.GetKV("backtest_result", &report)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, report.Error, "real-mode")
}

func TestStatusSnapshotSleepingWhenClosed(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	loc := time.FixedZone("KST", 9*3600)
	evening := time.Date(2026, time.August, 24, 18, 0, 0, 0, loc)

	f.eng.publishStatus(context.Background(), runningSettings(), evening)

	var snap map[string]any
	found, err := f.store.GetKV(storage.StatusKey, &snap)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "SLEEPING", snap["bot_status"])
	assert.Equal(t, "mock", snap["mode"])
	assert.Equal(t, true, snap["connected"])
}

func TestClosePassRepeatsInsideWindow(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	loc := time.FixedZone("KST", 9*3600)
	start := time.Date(2026, time.August, 24, 15, 12, 0, 0, loc)

	f.eng.runLiquidationPasses(context.Background(), true, start)
	require.Equal(t, 1, f.exits.closePasses)

	// Within the manager cadence nothing re-fires.
	f.eng.runLiquidationPasses(context.Background(), true, start.Add(100*time.Millisecond))
	assert.Equal(t, 1, f.exits.closePasses)

	// The next cadence inside the window runs the pass again so failed
	// sells get retried.
	f.eng.runLiquidationPasses(context.Background(), true, start.Add(2*time.Second))
	assert.Equal(t, 2, f.exits.closePasses)

	// Past 15:19 the window is shut.
	f.eng.runLiquidationPasses(context.Background(), true, start.Add(10*time.Minute))
	assert.Equal(t, 2, f.exits.closePasses)
}

func TestMorningPassRepeatsInsideWindow(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	loc := time.FixedZone("KST", 9*3600)
	start := time.Date(2026, time.August, 24, 9, 0, 30, 0, loc)

	f.eng.runLiquidationPasses(context.Background(), true, start)
	f.eng.runLiquidationPasses(context.Background(), true, start.Add(2*time.Second))
	assert.Equal(t, 2, f.exits.morningPasses)

	f.eng.runLiquidationPasses(context.Background(), false, start.Add(4*time.Second))
	assert.Equal(t, 2, f.exits.morningPasses, "stopped engine never liquidates")
}

type fakeSender struct{ sent []string }

func (f *fakeSender) Sendf(format string, args ...any) {
	f.sent = append(f.sent, format)
}

func TestHeartbeatEveryHalfHour(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	sender := &fakeSender{}
	f.eng.notifier = sender
	cfg := runningSettings()
	now := midday()

	f.eng.heartbeat(cfg, now)
	assert.Empty(t, sender.sent, "first pass only arms the timer")

	f.eng.heartbeat(cfg, now.Add(10*time.Minute))
	assert.Empty(t, sender.sent)

	f.eng.heartbeat(cfg, now.Add(31*time.Minute))
	assert.Len(t, sender.sent, 1)
}

func TestStatusSnapshotDeduplicated(t *testing.T) {
	f := newEngineFixture(t, runningSettings())
	now := midday()

	f.eng.publishStatus(context.Background(), runningSettings(), now)

	// Overwrite the stored snapshot; an unchanged state within the
	// forced interval must not rewrite it.
	require.NoError(t, f.store.SetKV(storage.StatusKey, json.RawMessage(`{"sentinel":true}`)))
	f.eng.publishStatus(context.Background(), runningSettings(), now.Add(time.Second))

	var snap map[string]any
	found, err := f.store.GetKV(storage.StatusKey, &snap)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, true, snap["sentinel"])

	// Past the forced interval the snapshot is written again.
	f.eng.publishStatus(context.Background(), runningSettings(), now.Add(6*time.Second))
	_, err = f.store.GetKV(storage.StatusKey, &snap)
	require.NoError(t, err)
	assert.NotContains(t, snap, "sentinel")
}
