package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/broker"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/market"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
)

// Notifier delivers scheduler messages.
type Notifier interface {
	Sendf(format string, args ...any)
}

// RotationJob switches the active scanner when a rotation window
// starts: the window with the latest start time not in the future wins.
// A change applies the scanner's preset and asks the engine to restart.
type RotationJob struct {
	Store    storage.Interface
	Notifier Notifier
	Logger   *log.Logger
	Loc      *time.Location
	Now      func() time.Time
}

func (j *RotationJob) Name() string { return "scanner-rotation" }

func (j *RotationJob) Run(context.Context) error {
	var cfg models.Settings
	found, err := j.Store.GetKV(storage.SettingsKey, &cfg)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if !found || !cfg.UseScheduler {
		return nil
	}

	now := time.Now()
	if j.Now != nil {
		now = j.Now()
	}
	if j.Loc != nil {
		now = now.In(j.Loc)
	}
	if !market.IsTradingDay(now) {
		return nil
	}

	clock := now.Format("15:04")
	target := ""
	for _, w := range cfg.Rotation {
		if w.Start == "" || w.ConditionID == "" {
			continue
		}
		if w.Start <= clock {
			target = w.ConditionID
		}
	}
	if target == "" || target == cfg.ConditionID {
		return nil
	}

	prev := cfg.ConditionID
	cfg.ConditionID = target
	cfg.ApplyPreset(target)
	if cfg.BotStatus == models.StatusRunning {
		cfg.IntendedStatus = cfg.BotStatus
		cfg.BotStatus = models.StatusRestarting
	}
	if err := j.Store.SetKV(storage.SettingsKey, cfg); err != nil {
		return fmt.Errorf("failed to persist rotation: %w", err)
	}
	if j.Logger != nil {
		j.Logger.Printf("scanner rotated %s -> %s", prev, target)
	}
	if j.Notifier != nil {
		j.Notifier.Sendf("🔄 조건식 로테이션: %s → %s", prev, target)
	}
	return nil
}

// ReportJob posts the end-of-day summary once per day inside the report
// window.
type ReportJob struct {
	Store    storage.Interface
	Broker   broker.Broker
	Notifier Notifier
	Logger   *log.Logger
	Loc      *time.Location
	Now      func() time.Time
}

const lastReportDateKey = "last_daily_report_date"

func (j *ReportJob) Name() string { return "daily-report" }

func (j *ReportJob) Run(ctx context.Context) error {
	now := time.Now()
	if j.Now != nil {
		now = j.Now()
	}
	if j.Loc != nil {
		now = now.In(j.Loc)
	}
	if !market.InReportWindow(now) {
		return nil
	}

	today := now.Format("2006-01-02")
	var lastDate string
	if found, err := j.Store.GetKV(lastReportDateKey, &lastDate); err == nil && found && lastDate == today {
		return nil
	}

	profit, hasProfit, err := j.Broker.DailyProfit(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch daily profit: %w", err)
	}

	trades, err := j.Store.RecentTrades(200)
	if err != nil {
		return fmt.Errorf("failed to load trades: %w", err)
	}
	sells, wins := 0, 0
	for _, tr := range trades {
		if tr.Action != models.ActionSell || tr.Timestamp.Format("2006-01-02") != today {
			continue
		}
		sells++
		if tr.ProfitAmount > 0 {
			wins++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 일일 리포트 (%s)\n", today)
	if hasProfit {
		fmt.Fprintf(&b, "실현 손익: %+d원\n", profit)
	} else {
		b.WriteString("실현 손익: 기록 없음\n")
	}
	fmt.Fprintf(&b, "매도 체결: %d건 (익절 %d건)", sells, wins)
	if j.Notifier != nil {
		j.Notifier.Sendf("%s", b.String())
	}
	if j.Logger != nil {
		j.Logger.Printf("daily report sent: %d sells, %d wins", sells, wins)
	}

	if err := j.Store.SetKV(lastReportDateKey, today); err != nil {
		return fmt.Errorf("failed to mark report sent: %w", err)
	}
	return nil
}

// RetentionJob prunes old trade logs, system logs, and done commands.
type RetentionJob struct {
	Store  storage.Interface
	Days   int
	Logger *log.Logger
}

func (j *RetentionJob) Name() string { return "store-retention" }

func (j *RetentionJob) Run(context.Context) error {
	trades, logs, err := j.Store.Cleanup(j.Days)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	if j.Logger != nil && (trades > 0 || logs > 0) {
		j.Logger.Printf("retention pruned %d trades, %d logs", trades, logs)
	}
	return nil
}

// MasterRefreshJob re-downloads the stock listing.
type MasterRefreshJob struct {
	Book *broker.MasterBook
}

func (j *MasterRefreshJob) Name() string { return "master-refresh" }

func (j *MasterRefreshJob) Run(ctx context.Context) error {
	return j.Book.Refresh(ctx)
}
