package main

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/backtest"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/market"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/positions"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
)

// Control errors returned by the engine loop. A restart rebuilds the
// session in-process; a mode flip requires a fresh process because the
// broker endpoints and fee schedule change.
var (
	errRestart  = errors.New("engine restart requested")
	errModeFlip = errors.New("trading mode changed, process restart required")
)

const (
	managerCadence    = 2 * time.Second
	reconcileCadence  = 20 * time.Second
	snapshotInterval  = 5 * time.Second
	heartbeatInterval = 30 * time.Minute
	runningCadence    = 100 * time.Millisecond
	idleCadence       = time.Second
)

// eventSource is the stream surface the control loop consumes.
type eventSource interface {
	PopConditionEvent() (models.ConditionEvent, bool)
	Connected() bool
}

// entryHandler runs the buy pipeline for one scanner event.
type entryHandler interface {
	Handle(ctx context.Context, ev models.ConditionEvent)
}

// exitEngine is the position-manager surface the control loop drives.
type exitEngine interface {
	Tick(ctx context.Context)
	ClosePass(ctx context.Context)
	MorningPass(ctx context.Context)
	BulkSell(ctx context.Context) int
}

type notifier interface {
	Sendf(format string, args ...any)
}

// regimeSource reports broad-market health for the status snapshot.
type regimeSource interface {
	Healthy(ctx context.Context) bool
}

// engine is the control loop: it owns the authoritative Settings copy,
// drains commands and scanner events, and drives the manager, the
// reconciler, and the status snapshot on their cadences.
type engine struct {
	store     storage.Interface
	book      *positions.Book
	events    eventSource
	entries   entryHandler
	exits     exitEngine
	rec       *reconciler
	simulator *backtest.Simulator
	notifier  notifier
	regime    regimeSource
	logger    *log.Logger
	loc       *time.Location
	accountNo string
	bootMock  bool
	sessionID string
	now       func() time.Time

	mu  sync.RWMutex
	cfg models.Settings

	lastTick        time.Time
	lastReconcile   time.Time
	lastSnapshot    time.Time
	lastHeartbeat   time.Time
	lastLiquidation time.Time
	snapshotHash    uint64
}

func newEngine(store storage.Interface, book *positions.Book, events eventSource, entries entryHandler, exits exitEngine, rec *reconciler, sim *backtest.Simulator, n notifier, loc *time.Location, accountNo string, seed models.Settings, logger *log.Logger) *engine {
	if logger == nil {
		logger = log.Default()
	}
	return &engine{
		store:     store,
		book:      book,
		events:    events,
		entries:   entries,
		exits:     exits,
		rec:       rec,
		simulator: sim,
		notifier:  n,
		logger:    logger,
		loc:       loc,
		accountNo: accountNo,
		bootMock:  seed.MockTrade,
		sessionID: uuid.NewString(),
		now:       time.Now,
		cfg:       seed,
	}
}

// Settings returns the current runtime settings snapshot. Passed as a
// closure to the pipeline and the manager so they always see the latest
// UI state.
func (e *engine) Settings() models.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *engine) setSettings(cfg models.Settings) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Run drives the loop until ctx is cancelled or a restart is needed.
func (e *engine) Run(ctx context.Context) error {
	e.logger.Printf("engine session %s started (mock=%v)", e.sessionID, e.bootMock)
	for {
		now := e.now().In(e.loc)

		e.handleCommands(ctx)
		if err := e.reloadSettings(); err != nil {
			return err
		}
		cfg := e.Settings()
		running := cfg.BotStatus == models.StatusRunning

		e.drainEvents(ctx, cfg, now)

		if e.book.Len() > 0 && now.Sub(e.lastTick) >= managerCadence {
			e.lastTick = now
			e.exits.Tick(ctx)
		}

		if now.Sub(e.lastReconcile) >= reconcileCadence &&
			market.IsTradingDay(now) && market.InDaySafeWindow(now) {
			e.lastReconcile = now
			e.rec.Reconcile(ctx)
		}

		e.runLiquidationPasses(ctx, running, now)

		e.publishStatus(ctx, cfg, now)
		e.heartbeat(cfg, now)

		cadence := idleCadence
		if running && market.IsOpen(now) {
			cadence = runningCadence
		}
		select {
		case <-ctx.Done():
			// Final flush so the dashboard shows the shutdown state.
			e.snapshotHash = 0
			e.publishStatus(context.Background(), e.Settings(), e.now().In(e.loc))
			return nil
		case <-time.After(cadence):
		}
	}
}

// drainEvents empties the scanner event queue. Events outside the
// trading window are discarded so a stale backlog cannot trigger buys;
// entries require RUNNING, an open market, and the opening guard.
func (e *engine) drainEvents(ctx context.Context, cfg models.Settings, now time.Time) {
	accept := cfg.BotStatus == models.StatusRunning &&
		market.IsOpen(now) && market.PastOpeningGuard(now) && inEventWindow(now)
	for {
		ev, ok := e.events.PopConditionEvent()
		if !ok {
			return
		}
		if !accept {
			continue
		}
		go e.entries.Handle(ctx, ev)
	}
}

// heartbeat posts a liveness message every half hour during the
// session so a silently dead process is noticed.
func (e *engine) heartbeat(cfg models.Settings, now time.Time) {
	if e.notifier == nil || cfg.BotStatus != models.StatusRunning || !market.IsOpen(now) {
		return
	}
	if e.lastHeartbeat.IsZero() {
		e.lastHeartbeat = now
		return
	}
	if now.Sub(e.lastHeartbeat) < heartbeatInterval {
		return
	}
	e.lastHeartbeat = now
	e.notifier.Sendf("💓 봇 동작 중 | 보유 %d종목 | 연결 %v", e.book.Len(), e.events.Connected())
}

// runLiquidationPasses drives the close and morning liquidation windows
// on the manager cadence. The passes are idempotent per position, so
// re-running inside a window only retries positions whose price fetch or
// sell order failed earlier.
func (e *engine) runLiquidationPasses(ctx context.Context, running bool, now time.Time) {
	if !running || now.Sub(e.lastLiquidation) < managerCadence {
		return
	}
	switch {
	case market.InCloseLiquidation(now):
		e.lastLiquidation = now
		e.exits.ClosePass(ctx)
	case market.InMorningPass(now):
		e.lastLiquidation = now
		e.exits.MorningPass(ctx)
	}
}

// inEventWindow bounds event processing to 08:30-15:35.
func inEventWindow(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= 8*60+30 && m <= 15*60+35
}

func (e *engine) handleCommands(ctx context.Context) {
	for {
		cmd, err := e.store.PopCommand()
		if errors.Is(err, storage.ErrNoCommand) {
			return
		}
		if err != nil {
			e.logger.Printf("failed to pop command: %v", err)
			return
		}
		if cmd == nil {
			return
		}
		switch cmd.Type {
		case models.CommandBulkSell:
			n := e.exits.BulkSell(ctx)
			e.logger.Printf("bulk sell command: %d positions liquidating", n)
			if e.notifier != nil {
				e.notifier.Sendf("📤 일괄 매도 요청: %d종목 시장가 매도", n)
			}
		case models.CommandBacktestReq:
			e.runBacktest(ctx, cmd.Payload)
		default:
			e.logger.Printf("unknown command type %q ignored", cmd.Type)
		}
	}
}

type backtestReport struct {
	ID         string            `json:"id"`
	FinishedAt time.Time         `json:"finished_at"`
	Error      string            `json:"error,omitempty"`
	Results    []backtest.Result `json:"results"`
}

// runBacktest simulates the payload's signal list with the live exit
// parameters. Paper keys cannot read historical charts, so the request
// is rejected in mock mode.
func (e *engine) runBacktest(ctx context.Context, payload string) {
	report := backtestReport{ID: uuid.NewString(), FinishedAt: e.now()}

	cfg := e.Settings()
	var signals []backtest.Signal
	switch {
	case cfg.MockTrade:
		report.Error = "backtest requires real-mode API keys"
	case json.Unmarshal([]byte(payload), &signals) != nil:
		report.Error = "invalid signal list"
	case len(signals) == 0:
		report.Error = "empty signal list"
	default:
		report.Results = e.simulator.Run(ctx, signals, cfg)
		report.FinishedAt = e.now()
	}

	if err := e.store.SetKV("backtest_result", report); err != nil {
		e.logger.Printf("failed to store backtest result: %v", err)
	}
}

// reloadSettings pulls the store's settings record, which the dashboard
// may have rewritten. Mode flips and restart requests surface as
// control errors.
func (e *engine) reloadSettings() error {
	var cfg models.Settings
	found, err := e.store.GetKV(storage.SettingsKey, &cfg)
	if err != nil {
		e.logger.Printf("failed to reload settings: %v", err)
		return nil
	}
	if !found {
		if err := e.store.SetKV(storage.SettingsKey, e.Settings()); err != nil {
			e.logger.Printf("failed to seed settings: %v", err)
		}
		return nil
	}

	if cfg.MockTrade != e.bootMock {
		cfg.BotStatus = models.StatusRestarting
		if err := e.store.SetKV(storage.SettingsKey, cfg); err != nil {
			e.logger.Printf("failed to persist mode flip: %v", err)
		}
		return errModeFlip
	}

	if cfg.BotStatus == models.StatusRestarting {
		intended := cfg.IntendedStatus
		if intended == "" || intended == models.StatusRestarting {
			intended = models.StatusStopped
		}
		cfg.BotStatus = intended
		cfg.IntendedStatus = ""
		if err := e.store.SetKV(storage.SettingsKey, cfg); err != nil {
			e.logger.Printf("failed to persist restart completion: %v", err)
		}
		e.setSettings(cfg)
		return errRestart
	}

	e.setSettings(cfg)
	return nil
}

// publishStatus writes the dashboard snapshot, deduplicated by content
// hash with a forced write every 5s as a liveness signal.
func (e *engine) publishStatus(ctx context.Context, cfg models.Settings, now time.Time) {
	snap := e.buildStatus(ctx, cfg, now)
	// Hash before stamping the timestamp so an unchanged snapshot
	// dedupes instead of rewriting every iteration.
	hashData, err := json.Marshal(snap)
	if err != nil {
		e.logger.Printf("failed to marshal status: %v", err)
		return
	}
	h := fnv.New64a()
	_, _ = h.Write(hashData)
	sum := h.Sum64()
	if sum == e.snapshotHash && now.Sub(e.lastSnapshot) < snapshotInterval {
		return
	}
	e.snapshotHash = sum
	e.lastSnapshot = now

	snap.UpdatedAt = now
	data, err := json.Marshal(snap)
	if err != nil {
		e.logger.Printf("failed to marshal status: %v", err)
		return
	}
	if err := e.store.SetKV(storage.StatusKey, json.RawMessage(data)); err != nil {
		e.logger.Printf("failed to store status: %v", err)
	}
}

type statusPosition struct {
	Symbol            string  `json:"symbol"`
	Name              string  `json:"name"`
	Status            string  `json:"status"`
	BuyPrice          int     `json:"buy_price"`
	Qty               int     `json:"qty"`
	ProfitRate        float64 `json:"profit_rate"`
	PeakProfitRate    float64 `json:"peak_profit_rate"`
	TrailingActive    bool    `json:"trailing_active"`
	OvernightApproved bool    `json:"overnight_approved"`
	ConditionSource   string  `json:"condition_source"`
	HeldMinutes       int     `json:"held_minutes"`
}

type statusAccount struct {
	Deposit     int     `json:"deposit"`
	TotalEval   int     `json:"total_eval"`
	TotalProfit int     `json:"total_profit"`
	ProfitRate  float64 `json:"profit_rate"`
}

type statusSettings struct {
	OrderAmount       int     `json:"order_amount"`
	StopLossRate      float64 `json:"stop_loss_rate"`
	TrailingStartRate float64 `json:"trailing_start_rate"`
	TrailingStopRate  float64 `json:"trailing_stop_rate"`
	UseAutoSell       bool    `json:"use_auto_sell"`
}

type statusSnapshot struct {
	SessionID      string               `json:"session_id"`
	UpdatedAt      time.Time            `json:"updated_at"`
	BotStatus      string               `json:"bot_status"`
	Mode           string               `json:"mode"`
	AccountNo      string               `json:"account_no"`
	ConditionID    string               `json:"condition_id"`
	Connected      bool                 `json:"connected"`
	MarketHealthy  *bool                `json:"market_healthy,omitempty"`
	Settings       statusSettings       `json:"settings"`
	Positions      []statusPosition     `json:"positions"`
	Cooldowns      map[string]time.Time `json:"cooldowns"`
	Account        *statusAccount       `json:"account,omitempty"`
	RealizedProfit *int                 `json:"realized_profit,omitempty"`
}

func (e *engine) buildStatus(ctx context.Context, cfg models.Settings, now time.Time) statusSnapshot {
	display := string(cfg.BotStatus)
	if cfg.BotStatus == models.StatusRunning && !market.IsOpen(now) {
		display = "SLEEPING"
	}
	mode := "real"
	if cfg.MockTrade {
		mode = "mock"
	}

	snap := statusSnapshot{
		SessionID:   e.sessionID,
		BotStatus:   display,
		Mode:        mode,
		AccountNo:   e.accountNo,
		ConditionID: cfg.ConditionID,
		Connected:   e.events.Connected(),
		Settings: statusSettings{
			OrderAmount:       cfg.OrderAmount,
			StopLossRate:      cfg.StopLossRate,
			TrailingStartRate: cfg.TrailingStartRate,
			TrailingStopRate:  cfg.TrailingStopRate,
			UseAutoSell:       cfg.UseAutoSell,
		},
		Positions: []statusPosition{},
		Cooldowns: e.book.Cooldowns(),
	}
	if e.regime != nil && cfg.UseMarketFilter {
		healthy := e.regime.Healthy(ctx)
		snap.MarketHealthy = &healthy
	}
	for _, p := range e.book.List() {
		snap.Positions = append(snap.Positions, statusPosition{
			Symbol:            p.Symbol,
			Name:              p.Name,
			Status:            string(p.Status),
			BuyPrice:          p.BuyPrice,
			Qty:               p.BuyQty,
			ProfitRate:        p.CurrentProfitRate,
			PeakProfitRate:    p.PeakProfitRate,
			TrailingActive:    p.TrailingActive,
			OvernightApproved: p.OvernightApproved,
			ConditionSource:   p.ConditionSource,
			HeldMinutes:       int(now.Sub(p.OrderTime).Minutes()),
		})
	}
	if bal := e.rec.LastBalance(); bal != nil {
		snap.Account = &statusAccount{
			Deposit:     bal.Deposit,
			TotalEval:   bal.TotalEval,
			TotalProfit: bal.TotalProfit,
			ProfitRate:  bal.ProfitRate,
		}
	}
	if profit, ok := e.rec.RealizedProfit(ctx); ok {
		snap.RealizedProfit = &profit
	}
	return snap
}
