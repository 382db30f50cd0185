package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/broker"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
)

type fakeNotifier struct{ messages []string }

func (f *fakeNotifier) Sendf(format string, args ...any) {
	f.messages = append(f.messages, fmt.Sprintf(format, args...))
}

type profitBroker struct {
	broker.Broker
	profit int
	has    bool
}

func (p *profitBroker) DailyProfit(context.Context) (int, bool, error) {
	return p.profit, p.has, nil
}

func kstClock(hh, mm int) func() time.Time {
	loc := time.FixedZone("KST", 9*3600)
	return func() time.Time {
		// A known Monday.
		return time.Date(2026, time.August, 24, hh, mm, 0, 0, loc)
	}
}

func seedSettings(t *testing.T, store storage.Interface, mutate func(*models.Settings)) models.Settings {
	t.Helper()
	cfg := models.DefaultSettings()
	cfg.BotStatus = models.StatusRunning
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, store.SetKV(storage.SettingsKey, cfg))
	return cfg
}

func loadSettings(t *testing.T, store storage.Interface) models.Settings {
	t.Helper()
	var cfg models.Settings
	found, err := store.GetKV(storage.SettingsKey, &cfg)
	require.NoError(t, err)
	require.True(t, found)
	return cfg
}

func TestRotationPicksLatestPastWindow(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, func(cfg *models.Settings) { cfg.ConditionID = "0" })
	notifier := &fakeNotifier{}

	job := &RotationJob{Store: store, Notifier: notifier, Now: kstClock(11, 0)}
	require.NoError(t, job.Run(context.Background()))

	cfg := loadSettings(t, store)
	assert.Equal(t, "1", cfg.ConditionID, "10:30 window active at 11:00")
	assert.Equal(t, models.StatusRestarting, cfg.BotStatus)
	assert.Equal(t, models.StatusRunning, cfg.IntendedStatus)
	assert.Equal(t, models.Presets["1"].ReEntryCooldownMin, cfg.ReEntryCooldownMin, "preset applied")
	assert.Len(t, notifier.messages, 1)
}

func TestRotationIdempotent(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, func(cfg *models.Settings) { cfg.ConditionID = "0" })

	job := &RotationJob{Store: store, Now: kstClock(11, 0)}
	require.NoError(t, job.Run(context.Background()))

	// Simulate the restart completing.
	cfg := loadSettings(t, store)
	cfg.BotStatus = models.StatusRunning
	require.NoError(t, store.SetKV(storage.SettingsKey, cfg))

	require.NoError(t, job.Run(context.Background()))
	cfg = loadSettings(t, store)
	assert.Equal(t, models.StatusRunning, cfg.BotStatus, "no second restart for the same window")
}

func TestRotationBeforeFirstWindow(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, func(cfg *models.Settings) { cfg.ConditionID = "custom" })

	job := &RotationJob{Store: store, Now: kstClock(8, 0)}
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, "custom", loadSettings(t, store).ConditionID)
}

func TestRotationDisabledByFlag(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, func(cfg *models.Settings) {
		cfg.ConditionID = "0"
		cfg.UseScheduler = false
	})

	job := &RotationJob{Store: store, Now: kstClock(11, 0)}
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, "0", loadSettings(t, store).ConditionID)
}

func TestRotationSkipsWeekend(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, func(cfg *models.Settings) { cfg.ConditionID = "0" })

	loc := time.FixedZone("KST", 9*3600)
	job := &RotationJob{Store: store, Now: func() time.Time {
		return time.Date(2026, time.August, 22, 11, 0, 0, 0, loc) // Saturday
	}}
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, "0", loadSettings(t, store).ConditionID)
}

func TestReportOncePerDayInsideWindow(t *testing.T) {
	store := storage.NewMockStorage()
	notifier := &fakeNotifier{}
	job := &ReportJob{
		Store:    store,
		Broker:   &profitBroker{profit: 52_000, has: true},
		Notifier: notifier,
		Now:      kstClock(15, 45),
	}

	require.NoError(t, job.Run(context.Background()))
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "+52000")

	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, notifier.messages, 1, "second run inside the window is a no-op")
}

func TestReportOutsideWindowDoesNothing(t *testing.T) {
	notifier := &fakeNotifier{}
	job := &ReportJob{
		Store:    storage.NewMockStorage(),
		Broker:   &profitBroker{},
		Notifier: notifier,
		Now:      kstClock(12, 0),
	}
	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, notifier.messages)
}
