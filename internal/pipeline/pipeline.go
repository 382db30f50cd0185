// Package pipeline turns scanner capture events into buy orders. Every
// event runs through an ordered chain of gates; the first rejection
// wins, and most rejections leave a per-symbol cooldown behind so the
// same stock does not burn API quota all day.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/broker"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/market"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/positions"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/vision"
)

const (
	cooldownRegime = 10 * time.Minute
	cooldownPrice  = time.Minute
	cooldownHoga   = 5 * time.Minute
	cooldownVision = 10 * time.Minute

	priceRetries    = 3
	priceRetryDelay = 200 * time.Millisecond

	rsiPeriod        = 14
	minCandles       = 30
	upperShadowLimit = 0.4

	// sizingSafety keeps a margin under the order budget so a tick up
	// between sizing and fill cannot overdraw it.
	sizingSafety = 0.95

	maxConcurrentRuns = 5
)

// Subscriber registers realtime quote streams for entered symbols.
type Subscriber interface {
	AddSubscription(code, subType string)
}

// RegimeSource answers whether an index trades above its moving average.
type RegimeSource interface {
	Bullish(ctx context.Context, indexCode string) bool
}

// NameSource resolves a stock code to its listed name and the chart
// index code of the market it trades on.
type NameSource interface {
	Name(code string) string
	IndexCode(code string) string
}

// Notifier delivers trade messages. notify.Notifier satisfies it.
type Notifier interface {
	Sendf(format string, args ...any)
}

// Pipeline evaluates capture events and submits entries.
type Pipeline struct {
	book     *positions.Book
	broker   broker.Broker
	subs     Subscriber
	regime   RegimeSource
	names    NameSource
	analyzer vision.Analyzer
	notifier Notifier
	store    storage.Interface
	settings func() models.Settings
	logger   *log.Logger
	sem      chan struct{}
}

// New wires a pipeline. analyzer may be nil to disable the vision gate;
// regime may be nil to disable the market filter.
func New(book *positions.Book, brk broker.Broker, subs Subscriber, regime RegimeSource, names NameSource, analyzer vision.Analyzer, notifier Notifier, store storage.Interface, settings func() models.Settings, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		book:     book,
		broker:   brk,
		subs:     subs,
		regime:   regime,
		names:    names,
		analyzer: analyzer,
		notifier: notifier,
		store:    store,
		settings: settings,
		logger:   logger,
		sem:      make(chan struct{}, maxConcurrentRuns),
	}
}

// Handle evaluates one capture event, blocking while all pipeline slots
// are busy. Intended to run in its own goroutine per event.
func (p *Pipeline) Handle(ctx context.Context, ev models.ConditionEvent) {
	if ev.Type != "I" {
		return
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-p.sem }()

	ok, reason := p.book.AdmissionCheck(ev.Symbol)
	if !ok {
		p.logger.Printf("skip %s: %s", ev.Symbol, reason)
		return
	}
	defer p.book.Release(ev.Symbol)

	if err := p.evaluate(ctx, ev); err != nil {
		p.logger.Printf("entry rejected for %s: %v", ev.Symbol, err)
	}
}

func (p *Pipeline) evaluate(ctx context.Context, ev models.ConditionEvent) error {
	cfg := p.settings()
	name := ev.Symbol
	if p.names != nil {
		name = p.names.Name(ev.Symbol)
	}

	if cfg.UseMarketFilter && p.regime != nil {
		index := market.IndexKOSPI
		if p.names != nil {
			index = p.names.IndexCode(ev.Symbol)
		}
		if !p.regime.Bullish(ctx, index) {
			p.book.SetCooldown(ev.Symbol, cooldownRegime)
			return fmt.Errorf("index %s regime bearish", index)
		}
	}

	price, err := p.resolvePrice(ctx, ev)
	if err != nil {
		p.book.SetCooldown(ev.Symbol, cooldownPrice)
		return fmt.Errorf("price unavailable: %w", err)
	}

	if cfg.UseHogaFilter {
		quote, err := p.broker.Quote(ctx, ev.Symbol)
		if err != nil {
			p.book.SetCooldown(ev.Symbol, cooldownPrice)
			return fmt.Errorf("quote unavailable: %w", err)
		}
		if quote.SellTotal > 0 {
			ratio := float64(quote.BuyTotal) / float64(quote.SellTotal)
			if ratio < cfg.MinBuySellRatio {
				p.book.SetCooldown(ev.Symbol, cooldownHoga)
				return fmt.Errorf("hoga ratio %.2f below %.2f", ratio, cfg.MinBuySellRatio)
			}
		}
	}

	if err := p.checkTechnicals(ctx, ev.Symbol, cfg); err != nil {
		return err
	}

	verdict, err := p.checkVision(ctx, ev.Symbol, name)
	if err != nil {
		return err
	}

	qty := int(math.Floor(float64(cfg.OrderAmount) * sizingSafety / float64(price)))
	if qty <= 0 {
		return fmt.Errorf("order amount %d cannot buy a single share at %d", cfg.OrderAmount, price)
	}

	customStop, err := p.sizeAIStop(cfg, verdict, ev.Symbol, price, qty)
	if err != nil {
		return err
	}

	orderID, err := p.broker.Buy(ctx, ev.Symbol, qty, 0)
	if err != nil {
		return fmt.Errorf("buy order failed: %w", err)
	}

	pos := models.Position{
		Symbol:             ev.Symbol,
		Name:               name,
		Status:             models.StatusBuyOrdered,
		OrderTime:          time.Now(),
		ActiveOrderID:      orderID,
		ConditionSource:    ev.ConditionID + ":" + name,
		CustomStopLossRate: customStop,
	}
	p.book.Put(pos)
	if p.subs != nil {
		p.subs.AddSubscription(ev.Symbol, "")
	}

	visionReason := ""
	if verdict != nil {
		visionReason = verdict.Reason
	}
	if err := p.store.LogTrade(models.TradeRecord{
		Timestamp:    time.Now(),
		Action:       models.ActionBuy,
		Symbol:       ev.Symbol,
		Name:         name,
		Qty:          qty,
		Price:        price,
		Reason:       "scanner " + ev.ConditionID,
		VisionReason: visionReason,
	}); err != nil {
		p.logger.Printf("warning: failed to log trade for %s: %v", ev.Symbol, err)
	}
	if p.notifier != nil {
		p.notifier.Sendf("🚀 매수 주문: %s(%s) %d주 @ 시장가 (조건 %s)", name, ev.Symbol, qty, ev.ConditionID)
	}
	p.logger.Printf("buy ordered: %s(%s) qty=%d ref_price=%d order=%s", name, ev.Symbol, qty, price, orderID)
	return nil
}

// resolvePrice finds a current price: the event frame first, then the
// snapshot endpoint with short retries, then the freshest 3-minute
// candle.
func (p *Pipeline) resolvePrice(ctx context.Context, ev models.ConditionEvent) (int, error) {
	if ev.Price > 0 {
		return ev.Price, nil
	}
	var lastErr error
	for i := 0; i < priceRetries; i++ {
		info, err := p.broker.StockInfo(ctx, ev.Symbol)
		if err == nil && info.CurrentPrice > 0 {
			return info.CurrentPrice, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(priceRetryDelay):
		}
	}
	candles, err := p.broker.MinuteChart(ctx, ev.Symbol, "3")
	if err == nil && len(candles) > 0 && candles[0].Close > 0 {
		return candles[0].Close, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return 0, fmt.Errorf("no price source succeeded: %w", lastErr)
}

// checkTechnicals rejects overbought entries and candles with heavy
// selling pressure at the top.
func (p *Pipeline) checkTechnicals(ctx context.Context, symbol string, cfg models.Settings) error {
	candles, err := p.broker.MinuteChart(ctx, symbol, "1")
	if err != nil {
		p.book.SetCooldown(symbol, cooldownPrice)
		return fmt.Errorf("chart unavailable: %w", err)
	}
	if len(candles) < minCandles {
		return fmt.Errorf("only %d candles, need %d", len(candles), minCandles)
	}

	// Newest first from the API; indicators want oldest first.
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[len(candles)-1-i] = float64(c.Close)
	}
	rsi := talib.Rsi(closes, rsiPeriod)
	latest := rsi[len(rsi)-1]
	if latest > cfg.RSILimit {
		return fmt.Errorf("rsi %.1f above limit %.1f", latest, cfg.RSILimit)
	}

	// candles[0] is still forming; judge the last completed one.
	last := candles[1]
	if ratio := upperShadowRatio(last); ratio > upperShadowLimit {
		return fmt.Errorf("upper shadow ratio %.2f above %.2f", ratio, upperShadowLimit)
	}
	return nil
}

func upperShadowRatio(c models.Candle) float64 {
	span := c.High - c.Low
	if span <= 0 {
		return 0
	}
	body := c.Close
	if c.Open > c.Close {
		body = c.Open
	}
	return float64(c.High-body) / float64(span)
}

// checkVision asks the model. A nil analyzer approves implicitly; a NO
// verdict, a failed chart fetch, and a failed analysis all set the long
// cooldown so a rejected or unreadable symbol stops burning quota.
func (p *Pipeline) checkVision(ctx context.Context, symbol, name string) (*vision.Verdict, error) {
	if p.analyzer == nil {
		return nil, nil
	}
	candles, err := p.broker.MinuteChart(ctx, symbol, "3")
	if err != nil {
		p.book.SetCooldown(symbol, cooldownVision)
		return nil, fmt.Errorf("vision chart unavailable: %w", err)
	}
	chart := vision.RenderChartText(name, symbol, candles)
	verdict, err := p.analyzer.Analyze(ctx, chart, vision.EntryPrompt)
	if err != nil {
		p.book.SetCooldown(symbol, cooldownVision)
		return nil, fmt.Errorf("vision analysis failed: %w", err)
	}
	if !verdict.Approved() {
		p.book.SetCooldown(symbol, cooldownVision)
		return nil, fmt.Errorf("vision rejected: %s", verdict.Reason)
	}
	return verdict, nil
}

// sizeAIStop converts the vision stop price into a net-of-fee profit
// rate and validates it sits inside (safety_limit, 0). Returns the rate
// to store on the position, or zero when the AI stop is unused. An
// out-of-bound stop rejects the entry with the vision cooldown.
func (p *Pipeline) sizeAIStop(cfg models.Settings, verdict *vision.Verdict, symbol string, price, qty int) (float64, error) {
	if !cfg.UseAIStopLoss || verdict == nil || verdict.StopLossPrice <= 0 {
		return 0, nil
	}
	stopPrice := int(verdict.StopLossPrice)
	fees := models.FeesFor(cfg.MockTrade)
	rate := fees.NetProfitRate(price, stopPrice, qty)
	if rate >= 0 {
		p.book.SetCooldown(symbol, cooldownVision)
		return 0, fmt.Errorf("ai stop %d not below entry %d", stopPrice, price)
	}
	if rate < cfg.AIStopLossSafetyLimit {
		p.book.SetCooldown(symbol, cooldownVision)
		return 0, fmt.Errorf("ai stop rate %.2f%% beyond safety limit %.2f%%", rate, cfg.AIStopLossSafetyLimit)
	}
	return rate, nil
}
