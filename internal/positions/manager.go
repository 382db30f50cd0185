package positions

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/broker"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/util"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/vision"
)

const (
	// timeCutProfitFloor keeps winners alive past the time cut.
	timeCutProfitFloor = 0.5

	// Unfilled orders older than orderTimeout are cancelled, retrying at
	// most every cancelRetryGap.
	orderTimeout   = 20 * time.Second
	cancelRetryGap = 10 * time.Second

	// restPriceGap throttles REST price fallbacks per symbol.
	restPriceGap = 60 * time.Second
)

// Stream is the slice of the market data gateway the manager needs.
type Stream interface {
	Latest(itemCode, dataType string) map[string]string
	ClearLatest(itemCode, dataType string)
	AddSubscription(code, subType string)
	RemoveSubscription(code, subType string)
}

// Notifier delivers exit messages.
type Notifier interface {
	Sendf(format string, args ...any)
}

// Manager walks the book every cadence: consumes execution reports,
// cancels stale orders, and applies the exit ladder to held positions.
type Manager struct {
	book     *Book
	broker   broker.Broker
	stream   Stream
	analyzer vision.Analyzer
	notifier Notifier
	store    storage.Interface
	settings func() models.Settings
	logger   *log.Logger
	now      func() time.Time

	mu           sync.Mutex
	lastRESTPull map[string]time.Time
}

// NewManager wires the exit engine. analyzer may be nil, disabling the
// end-of-day vision re-check (everything then liquidates at the close).
func NewManager(book *Book, brk broker.Broker, stream Stream, analyzer vision.Analyzer, notifier Notifier, store storage.Interface, settings func() models.Settings, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		book:         book,
		broker:       brk,
		stream:       stream,
		analyzer:     analyzer,
		notifier:     notifier,
		store:        store,
		settings:     settings,
		logger:       logger,
		now:          time.Now,
		lastRESTPull: map[string]time.Time{},
	}
}

// Tick runs one management pass.
func (m *Manager) Tick(ctx context.Context) {
	m.consumeExecutions()
	m.consumeBalanceUpdates()
	m.cancelStaleOrders(ctx)
	m.applyExits(ctx)
}

// consumeExecutions processes the latest ACCOUNT_00 execution report.
// Field 9001 carries the code, 905 the order side, 913 the fill state,
// 910/911 fill price and quantity.
func (m *Manager) consumeExecutions() {
	values := m.stream.Latest("00", "ACCOUNT")
	if values == nil {
		return
	}
	m.stream.ClearLatest("00", "ACCOUNT")

	code := util.StripSymbolPrefix(values["9001"])
	state := values["913"]
	side := values["905"]
	if code == "" || !strings.Contains(state, "체결") {
		return
	}
	fillPrice := util.ParseAbsInt(values["910"])
	fillQty := util.ParseAbsInt(values["911"])

	switch {
	case strings.Contains(side, "매수"):
		m.handleBuyFill(code, fillPrice, fillQty)
	case strings.Contains(side, "매도"):
		m.handleSellFill(code, fillPrice, fillQty)
	}
}

func (m *Manager) handleBuyFill(code string, price, qty int) {
	updated := m.book.Update(code, func(p *models.Position) bool {
		if p.Status != models.StatusBuyOrdered {
			return false
		}
		if price > 0 {
			p.BuyPrice = price
		}
		if qty > 0 {
			p.BuyQty = qty
		}
		return p.Transition(models.StatusHeld) == nil
	})
	if !updated {
		return
	}
	pos, _ := m.book.Get(code)
	m.logger.Printf("buy filled: %s(%s) %d @ %d", pos.Name, code, pos.BuyQty, pos.BuyPrice)
	if m.notifier != nil {
		m.notifier.Sendf("✅ 매수 체결: %s(%s) %d주 @ %d원", pos.Name, code, pos.BuyQty, pos.BuyPrice)
	}
}

func (m *Manager) handleSellFill(code string, price, qty int) {
	pos, ok := m.book.Get(code)
	if !ok || !pos.Status.IsSelling() {
		return
	}
	if price <= 0 {
		price = pos.BuyPrice
	}
	if qty <= 0 {
		qty = pos.BuyQty
	}
	cfg := m.settings()
	fees := models.FeesFor(cfg.MockTrade)
	profit := fees.NetProfit(pos.BuyPrice, price, qty)
	rate := fees.NetProfitRate(pos.BuyPrice, price, qty)

	reason := pos.SellReason
	if reason == "" {
		reason = sellReason(pos.Status)
	}

	if err := m.store.LogTrade(models.TradeRecord{
		Timestamp:    m.now(),
		Action:       models.ActionSell,
		Symbol:       code,
		Name:         pos.Name,
		Qty:          qty,
		Price:        price,
		Reason:       reason,
		ProfitRate:   rate,
		ProfitAmount: profit,
	}); err != nil {
		m.logger.Printf("warning: failed to log sell for %s: %v", code, err)
	}
	if m.notifier != nil {
		m.notifier.Sendf("💰 매도 체결: %s(%s) %d주 @ %d원 (%+.2f%%, %+d원)", pos.Name, code, qty, price, rate, profit)
	}
	m.logger.Printf("sell filled: %s(%s) %d @ %d, net %+d (%+.2f%%)", pos.Name, code, qty, price, profit, rate)

	cooldown := time.Duration(cfg.ReEntryCooldownMin) * time.Minute
	m.book.Remove(code, cooldown)
	m.stream.RemoveSubscription(code, "")
}

// sellReason is the fallback when a fill lands for a sell the current
// process did not raise (for example after a restart).
func sellReason(status models.PositionStatus) string {
	switch status {
	case models.StatusSellOrderedBulk:
		return "bulk liquidation"
	case models.StatusSellOrderedGap:
		return "morning gap exit"
	default:
		return "exit rule"
	}
}

// consumeBalanceUpdates reads ACCOUNT_04 holding updates. Field 930 is
// the remaining quantity; zero confirms a symbol fully left the account.
func (m *Manager) consumeBalanceUpdates() {
	values := m.stream.Latest("04", "ACCOUNT")
	if values == nil {
		return
	}
	m.stream.ClearLatest("04", "ACCOUNT")

	code := util.StripSymbolPrefix(values["9001"])
	if code == "" {
		return
	}
	if util.ParseAbsInt(values["930"]) == 0 {
		if pos, ok := m.book.Get(code); ok && pos.Status.IsSelling() {
			cfg := m.settings()
			m.logger.Printf("balance confirms %s fully sold, dropping position", code)
			m.book.Remove(code, time.Duration(cfg.ReEntryCooldownMin)*time.Minute)
			m.stream.RemoveSubscription(code, "")
		}
	}
}

// cancelStaleOrders cancels orders that sat unfilled past the timeout.
// A cancelled buy abandons the entry; a cancelled sell reverts to HELD
// so the next pass can retry at market.
func (m *Manager) cancelStaleOrders(ctx context.Context) {
	now := m.now()
	for _, pos := range m.book.List() {
		ordered := pos.Status == models.StatusBuyOrdered || pos.Status.IsSelling()
		if !ordered || pos.ActiveOrderID == "" {
			continue
		}
		orderedAt := pos.OrderTime
		if pos.Status.IsSelling() {
			orderedAt = pos.SellOrderTime
		}
		if now.Sub(orderedAt) < orderTimeout || now.Sub(pos.LastCancelAttempt) < cancelRetryGap {
			continue
		}

		m.book.Update(pos.Symbol, func(p *models.Position) bool {
			p.LastCancelAttempt = now
			return true
		})
		isBuy := pos.Status == models.StatusBuyOrdered
		if err := m.broker.Cancel(ctx, pos.Symbol, pos.BuyQty, pos.ActiveOrderID, isBuy); err != nil {
			m.logger.Printf("warning: cancel failed for %s order %s: %v", pos.Symbol, pos.ActiveOrderID, err)
			continue
		}
		if isBuy {
			m.logger.Printf("unfilled buy cancelled for %s, abandoning entry", pos.Symbol)
			m.book.Remove(pos.Symbol, 0)
			m.stream.RemoveSubscription(pos.Symbol, "")
		} else {
			m.logger.Printf("unfilled sell cancelled for %s, reverting to HELD", pos.Symbol)
			if err := m.book.Transition(pos.Symbol, models.StatusHeld); err != nil {
				m.logger.Printf("warning: %v", err)
			}
		}
	}
}

// applyExits runs the exit ladder over held positions: stop-loss first,
// then time-cut, then trailing.
func (m *Manager) applyExits(ctx context.Context) {
	cfg := m.settings()
	if !cfg.UseAutoSell {
		return
	}
	fees := models.FeesFor(cfg.MockTrade)
	now := m.now()

	for _, pos := range m.book.List() {
		if pos.Status != models.StatusHeld {
			continue
		}
		price := m.currentPrice(ctx, pos.Symbol)
		if price <= 0 {
			continue
		}
		rate := fees.NetProfitRate(pos.BuyPrice, price, pos.BuyQty)

		m.book.Update(pos.Symbol, func(p *models.Position) bool {
			p.CurrentProfitRate = rate
			if rate > p.PeakProfitRate {
				p.PeakProfitRate = rate
			}
			if !p.TrailingActive && rate >= cfg.TrailingStartRate {
				p.TrailingActive = true
				p.PeakProfitRate = rate
			}
			return true
		})
		pos, _ = m.book.Get(pos.Symbol)

		switch {
		case rate <= pos.EffectiveStopLoss(cfg.StopLossRate):
			m.sellMarket(ctx, pos, models.StatusSellOrdered,
				fmt.Sprintf("stop loss %.2f%% <= %.2f%%", rate, pos.EffectiveStopLoss(cfg.StopLossRate)))
		case cfg.TimeCutMinutes > 0 && now.Sub(pos.OrderTime) > time.Duration(cfg.TimeCutMinutes)*time.Minute && rate < timeCutProfitFloor:
			m.sellMarket(ctx, pos, models.StatusSellOrdered,
				fmt.Sprintf("time cut after %dmin at %.2f%%", cfg.TimeCutMinutes, rate))
		case pos.TrailingActive && rate-pos.PeakProfitRate <= cfg.TrailingStopRate:
			m.sellMarket(ctx, pos, models.StatusSellOrdered,
				fmt.Sprintf("trailing stop, peak %.2f%% now %.2f%%", pos.PeakProfitRate, rate))
		}
	}
}

// currentPrice reads the realtime tick, falling back to REST at most
// once per minute per symbol. A stale stream also re-registers the
// subscription.
func (m *Manager) currentPrice(ctx context.Context, symbol string) int {
	if values := m.stream.Latest(symbol, "0B"); values != nil {
		if price := util.ParseAbsInt(values["10"]); price > 0 {
			return price
		}
	}

	m.mu.Lock()
	last, ok := m.lastRESTPull[symbol]
	throttled := ok && m.now().Sub(last) < restPriceGap
	if !throttled {
		m.lastRESTPull[symbol] = m.now()
	}
	m.mu.Unlock()
	if throttled {
		return 0
	}

	m.stream.AddSubscription(symbol, "")
	info, err := m.broker.StockInfo(ctx, symbol)
	if err != nil {
		m.logger.Printf("warning: price fallback failed for %s: %v", symbol, err)
		return 0
	}
	return info.CurrentPrice
}

func (m *Manager) sellMarket(ctx context.Context, pos models.Position, status models.PositionStatus, reason string) {
	orderID, err := m.broker.Sell(ctx, pos.Symbol, pos.BuyQty, 0)
	if err != nil {
		m.logger.Printf("warning: sell order failed for %s: %v", pos.Symbol, err)
		return
	}
	m.book.Update(pos.Symbol, func(p *models.Position) bool {
		if p.Transition(status) != nil {
			return false
		}
		p.ActiveOrderID = orderID
		p.SellOrderTime = m.now()
		p.SellReason = reason
		return true
	})
	m.logger.Printf("sell ordered: %s(%s) %s", pos.Name, pos.Symbol, reason)
	if m.notifier != nil {
		m.notifier.Sendf("📉 매도 주문: %s(%s) %s", pos.Name, pos.Symbol, reason)
	}
}

// ClosePass handles the end-of-day window: positions whose scanner is
// not an overnight one are either blessed for overnight by the vision
// re-check or liquidated at market.
func (m *Manager) ClosePass(ctx context.Context) {
	cfg := m.settings()
	overnight := map[string]bool{}
	for _, id := range cfg.OvernightIDs() {
		overnight[id] = true
	}

	for _, pos := range m.book.List() {
		if pos.Status != models.StatusHeld || pos.OvernightApproved {
			continue
		}
		if overnight[pos.ConditionID()] {
			continue
		}
		if m.approveOvernight(ctx, pos) {
			m.book.Update(pos.Symbol, func(p *models.Position) bool {
				p.OvernightApproved = true
				return true
			})
			m.logger.Printf("overnight approved for %s(%s)", pos.Name, pos.Symbol)
			continue
		}
		m.sellMarket(ctx, pos, models.StatusSellOrderedBulk, "end-of-day liquidation")
	}
}

func (m *Manager) approveOvernight(ctx context.Context, pos models.Position) bool {
	if m.analyzer == nil {
		return false
	}
	candles, err := m.broker.MinuteChart(ctx, pos.Symbol, "3")
	if err != nil {
		m.logger.Printf("warning: overnight chart failed for %s: %v", pos.Symbol, err)
		return false
	}
	verdict, err := m.analyzer.Analyze(ctx, vision.RenderChartText(pos.Name, pos.Symbol, candles), vision.OvernightPrompt)
	if err != nil {
		m.logger.Printf("warning: overnight analysis failed for %s: %v", pos.Symbol, err)
		return false
	}
	return verdict.Approved()
}

// MorningPass handles carried positions right after the bell: weak
// opens sell at market, strong opens arm the trailing stop at the
// current rate.
func (m *Manager) MorningPass(ctx context.Context) {
	cfg := m.settings()
	fees := models.FeesFor(cfg.MockTrade)
	overnight := map[string]bool{}
	for _, id := range cfg.OvernightIDs() {
		overnight[id] = true
	}

	for _, pos := range m.book.List() {
		if pos.Status != models.StatusHeld || pos.TrailingActive {
			continue
		}
		carried := pos.OvernightApproved || pos.ConditionSource == "carryover" || overnight[pos.ConditionID()]
		if !carried {
			continue
		}
		price := m.currentPrice(ctx, pos.Symbol)
		if price <= 0 {
			continue
		}
		rate := fees.NetProfitRate(pos.BuyPrice, price, pos.BuyQty)
		if rate <= 0 {
			m.sellMarket(ctx, pos, models.StatusSellOrderedGap,
				fmt.Sprintf("weak open %.2f%%", rate))
			continue
		}
		m.book.Update(pos.Symbol, func(p *models.Position) bool {
			p.TrailingActive = true
			p.PeakProfitRate = rate
			p.OvernightApproved = false
			return true
		})
		m.logger.Printf("morning trailing armed for %s at %.2f%%", pos.Symbol, rate)
	}
}

// BulkSell liquidates every held position at market.
func (m *Manager) BulkSell(ctx context.Context) int {
	sold := 0
	for _, pos := range m.book.List() {
		if pos.Status != models.StatusHeld {
			continue
		}
		m.sellMarket(ctx, pos, models.StatusSellOrderedBulk, "bulk sell command")
		sold++
	}
	if sold > 0 && m.notifier != nil {
		m.notifier.Sendf("🧹 일괄 매도: %d종목 시장가 매도 주문", sold)
	}
	return sold
}
