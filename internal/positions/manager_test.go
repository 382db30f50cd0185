package positions

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/broker"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/vision"
)

type fakeBroker struct {
	mu        sync.Mutex
	prices    map[string]int
	sells     []string
	cancels   []string
	cancelErr error
	candles   []models.Candle
}

func (f *fakeBroker) Balance(context.Context) (*broker.Balance, error) { return &broker.Balance{}, nil }
func (f *fakeBroker) Deposit(context.Context) (int, error)             { return 0, nil }
func (f *fakeBroker) StockInfo(_ context.Context, symbol string) (*broker.StockInfo, error) {
	return &broker.StockInfo{Symbol: symbol, CurrentPrice: f.prices[symbol]}, nil
}
func (f *fakeBroker) Quote(context.Context, string) (*broker.Quote, error) {
	return &broker.Quote{}, nil
}
func (f *fakeBroker) MinuteChart(context.Context, string, string) ([]models.Candle, error) {
	return f.candles, nil
}
func (f *fakeBroker) DailyChart(context.Context, string, int) ([]models.Candle, error) {
	return nil, nil
}
func (f *fakeBroker) DailyProfit(context.Context) (int, bool, error) { return 0, false, nil }
func (f *fakeBroker) Buy(context.Context, string, int, int) (string, error) {
	return "BUY-1", nil
}
func (f *fakeBroker) Sell(_ context.Context, symbol string, qty, price int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sells = append(f.sells, symbol)
	return fmt.Sprintf("SELL-%d", len(f.sells)), nil
}
func (f *fakeBroker) Cancel(_ context.Context, symbol string, qty int, orderID string, isBuy bool) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return nil
}

var _ broker.Broker = (*fakeBroker)(nil)

type fakeStream struct {
	mu      sync.Mutex
	latest  map[string]map[string]string
	added   []string
	removed []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{latest: map[string]map[string]string{}}
}

func (f *fakeStream) key(item, typ string) string {
	if typ == "ACCOUNT" {
		return "ACCOUNT_" + item
	}
	return item + "_" + typ
}

func (f *fakeStream) Latest(item, typ string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[f.key(item, typ)]
}

func (f *fakeStream) ClearLatest(item, typ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.latest, f.key(item, typ))
}

func (f *fakeStream) set(item, typ string, values map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[f.key(item, typ)] = values
}

func (f *fakeStream) AddSubscription(code, subType string) { f.added = append(f.added, code) }
func (f *fakeStream) RemoveSubscription(code, subType string) {
	f.removed = append(f.removed, code)
}

type fakeAnalyzer struct {
	verdict *vision.Verdict
	err     error
}

func (f *fakeAnalyzer) Analyze(context.Context, string, string) (*vision.Verdict, error) {
	return f.verdict, f.err
}

type managerFixture struct {
	manager  *Manager
	book     *Book
	broker   *fakeBroker
	stream   *fakeStream
	store    *storage.MockStorage
	settings models.Settings
	analyzer *fakeAnalyzer
	now      time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	store := storage.NewMockStorage()
	f := &managerFixture{
		book:     NewBook(store, nil),
		broker:   &fakeBroker{prices: map[string]int{}},
		stream:   newFakeStream(),
		store:    store,
		settings: models.DefaultSettings(),
		analyzer: &fakeAnalyzer{verdict: &vision.Verdict{Decision: "NO"}},
		now:      time.Date(2026, 8, 24, 10, 0, 0, 0, time.FixedZone("KST", 9*3600)),
	}
	f.settings.BotStatus = models.StatusRunning
	f.manager = NewManager(f.book, f.broker, f.stream, f.analyzer, nil, store,
		func() models.Settings { return f.settings }, nil)
	f.manager.now = func() time.Time { return f.now }
	return f
}

func (f *managerFixture) hold(symbol string, buyPrice int) {
	f.book.Put(models.Position{
		Symbol: symbol, Name: symbol, Status: models.StatusHeld,
		BuyPrice: buyPrice, BuyQty: 10,
		OrderTime: f.now.Add(-time.Minute), ConditionSource: "0:" + symbol,
	})
}

func (f *managerFixture) tickPrice(symbol string, price int) {
	f.stream.set(symbol, "0B", map[string]string{"10": strconv.Itoa(price)})
}

func TestBuyFillPromotesToHeld(t *testing.T) {
	f := newManagerFixture(t)
	f.book.Put(models.Position{
		Symbol: "005930", Status: models.StatusBuyOrdered,
		ActiveOrderID: "BUY-1", OrderTime: f.now,
	})
	f.stream.set("00", "ACCOUNT", map[string]string{
		"9001": "A005930", "913": "체결", "905": "+매수", "910": "71500", "911": "13",
	})

	f.manager.Tick(context.Background())

	pos, ok := f.book.Get("005930")
	require.True(t, ok)
	assert.Equal(t, models.StatusHeld, pos.Status)
	assert.Equal(t, 71_500, pos.BuyPrice)
	assert.Equal(t, 13, pos.BuyQty)
	assert.Empty(t, pos.ActiveOrderID, "order id cleared on fill")
	assert.Nil(t, f.stream.Latest("00", "ACCOUNT"), "report consumed")
}

func TestSellFillLogsAndRemoves(t *testing.T) {
	f := newManagerFixture(t)
	f.book.Put(models.Position{
		Symbol: "005930", Name: "삼성전자", Status: models.StatusSellOrdered,
		BuyPrice: 70_000, BuyQty: 13, ActiveOrderID: "SELL-1", OrderTime: f.now,
	})
	f.stream.set("00", "ACCOUNT", map[string]string{
		"9001": "A005930", "913": "체결", "905": "-매도", "910": "73000", "911": "13",
	})

	f.manager.Tick(context.Background())

	_, ok := f.book.Get("005930")
	assert.False(t, ok)
	assert.Contains(t, f.stream.removed, "005930")

	trades, err := f.store.RecentTrades(1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.ActionSell, trades[0].Action)
	// 70,000 -> 73,000 x13 under paper fees nets 31,071.
	assert.Equal(t, 31_071, trades[0].ProfitAmount)

	ok, reason := f.book.AdmissionCheck("005930")
	assert.False(t, ok, "re-entry cooldown active: %s", reason)
}

func TestBalanceZeroQtyDropsSellingPosition(t *testing.T) {
	f := newManagerFixture(t)
	f.book.Put(models.Position{
		Symbol: "005930", Status: models.StatusSellOrderedBulk,
		BuyPrice: 1000, BuyQty: 10, OrderTime: f.now,
	})
	f.stream.set("04", "ACCOUNT", map[string]string{"9001": "005930", "930": "0"})

	f.manager.Tick(context.Background())
	_, ok := f.book.Get("005930")
	assert.False(t, ok)
}

func TestBalanceZeroQtyIgnoredWhileHeld(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 1000)
	f.stream.set("04", "ACCOUNT", map[string]string{"9001": "005930", "930": "0"})

	f.manager.Tick(context.Background())
	_, ok := f.book.Get("005930")
	assert.True(t, ok, "HELD positions are only dropped by the reconciler")
}

func TestStopLossExit(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 10_000)
	f.tickPrice("005930", 9_800)

	f.manager.Tick(context.Background())

	pos, _ := f.book.Get("005930")
	assert.Equal(t, models.StatusSellOrdered, pos.Status)
	assert.Equal(t, []string{"005930"}, f.broker.sells)
}

func TestCustomStopTighterThanGlobal(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 10_000)
	f.book.Update("005930", func(p *models.Position) bool {
		p.CustomStopLossRate = -0.2
		return true
	})
	// Flat price nets about -0.85% under paper fees: inside the global
	// -1.5% stop but beyond the -0.2% custom one.
	f.tickPrice("005930", 10_000)

	f.manager.Tick(context.Background())
	pos, _ := f.book.Get("005930")
	assert.Equal(t, models.StatusSellOrdered, pos.Status)
}

func TestTimeCutOnlyWhenOldAndFlat(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 10_000)
	f.book.Update("005930", func(p *models.Position) bool {
		p.OrderTime = f.now.Add(-40 * time.Minute)
		return true
	})
	// +2% gross nets above the 0.5% floor, so age alone must not sell.
	f.tickPrice("005930", 10_200)
	f.manager.Tick(context.Background())
	pos, _ := f.book.Get("005930")
	assert.Equal(t, models.StatusHeld, pos.Status)

	// Near-flat price nets below the floor but above the stop: time cut.
	f.settings.StopLossRate = -5.0
	f.tickPrice("005930", 10_080)
	f.manager.Tick(context.Background())
	pos, _ = f.book.Get("005930")
	assert.Equal(t, models.StatusSellOrdered, pos.Status)
}

func TestSellOrderKeepsEntryClock(t *testing.T) {
	f := newManagerFixture(t)
	entered := f.now.Add(-40 * time.Minute)
	f.hold("005930", 10_000)
	f.book.Update("005930", func(p *models.Position) bool {
		p.OrderTime = entered
		return true
	})
	f.tickPrice("005930", 9_800)

	f.manager.Tick(context.Background())

	pos, _ := f.book.Get("005930")
	require.Equal(t, models.StatusSellOrdered, pos.Status)
	assert.Equal(t, entered, pos.OrderTime, "entry time survives the sell order")
	assert.Equal(t, f.now, pos.SellOrderTime)
}

func TestExitReasonCarriedToTradeLog(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 10_000)
	f.tickPrice("005930", 9_800)

	// Stop-loss fires and records why the sell went out.
	f.manager.Tick(context.Background())
	pos, _ := f.book.Get("005930")
	require.Equal(t, models.StatusSellOrdered, pos.Status)
	require.Contains(t, pos.SellReason, "stop loss")

	f.stream.set("00", "ACCOUNT", map[string]string{
		"9001": "A005930", "913": "체결", "905": "-매도", "910": "9800", "911": "10",
	})
	f.manager.Tick(context.Background())

	trades, err := f.store.RecentTrades(1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Contains(t, trades[0].Reason, "stop loss", "fill log keeps the exit rule, not a status guess")
}

func TestTrailingArmPeakAndExit(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 10_000)

	// +3% gross nets about +2.13%, arming the trail.
	f.tickPrice("005930", 10_300)
	f.manager.Tick(context.Background())
	pos, _ := f.book.Get("005930")
	require.True(t, pos.TrailingActive)
	require.Equal(t, models.StatusHeld, pos.Status)
	peak := pos.PeakProfitRate

	// Higher high raises the peak.
	f.tickPrice("005930", 10_400)
	f.manager.Tick(context.Background())
	pos, _ = f.book.Get("005930")
	assert.Greater(t, pos.PeakProfitRate, peak)
	assert.Equal(t, models.StatusHeld, pos.Status)

	// Giving back more than a point from the peak exits.
	f.tickPrice("005930", 10_150)
	f.manager.Tick(context.Background())
	pos, _ = f.book.Get("005930")
	assert.Equal(t, models.StatusSellOrdered, pos.Status)
}

func TestStaleBuyOrderCancelled(t *testing.T) {
	f := newManagerFixture(t)
	f.book.Put(models.Position{
		Symbol: "005930", Status: models.StatusBuyOrdered,
		ActiveOrderID: "BUY-1", OrderTime: f.now.Add(-30 * time.Second),
	})

	f.manager.Tick(context.Background())

	assert.Equal(t, []string{"BUY-1"}, f.broker.cancels)
	_, ok := f.book.Get("005930")
	assert.False(t, ok, "cancelled buy abandons the entry")
}

func TestStaleSellOrderRevertsToHeld(t *testing.T) {
	f := newManagerFixture(t)
	f.book.Put(models.Position{
		Symbol: "005930", Status: models.StatusSellOrdered,
		BuyPrice: 1000, BuyQty: 10,
		ActiveOrderID: "SELL-1", OrderTime: f.now.Add(-time.Hour),
		SellOrderTime: f.now.Add(-30 * time.Second),
	})

	f.manager.Tick(context.Background())

	pos, ok := f.book.Get("005930")
	require.True(t, ok)
	assert.Equal(t, models.StatusHeld, pos.Status)
	assert.Empty(t, pos.ActiveOrderID)
}

func TestFreshSellOrderNotCancelledByEntryAge(t *testing.T) {
	f := newManagerFixture(t)
	f.book.Put(models.Position{
		Symbol: "005930", Status: models.StatusSellOrdered,
		BuyPrice: 1000, BuyQty: 10,
		ActiveOrderID: "SELL-1", OrderTime: f.now.Add(-time.Hour),
		SellOrderTime: f.now.Add(-5 * time.Second),
	})

	f.manager.Tick(context.Background())

	assert.Empty(t, f.broker.cancels, "sell age is measured from the sell order, not the entry")
}

func TestCancelRetryGap(t *testing.T) {
	f := newManagerFixture(t)
	f.broker.cancelErr = fmt.Errorf("rejected")
	f.book.Put(models.Position{
		Symbol: "005930", Status: models.StatusBuyOrdered,
		ActiveOrderID: "BUY-1", OrderTime: f.now.Add(-30 * time.Second),
	})

	f.manager.Tick(context.Background())
	pos, _ := f.book.Get("005930")
	first := pos.LastCancelAttempt
	assert.False(t, first.IsZero())

	// Within the retry gap nothing new is attempted.
	f.now = f.now.Add(5 * time.Second)
	f.manager.Tick(context.Background())
	pos, _ = f.book.Get("005930")
	assert.Equal(t, first, pos.LastCancelAttempt)

	f.now = f.now.Add(6 * time.Second)
	f.manager.Tick(context.Background())
	pos, _ = f.book.Get("005930")
	assert.True(t, pos.LastCancelAttempt.After(first))
}

func TestClosePassSellsUnlessApproved(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 1000) // scanner 0, vision says NO
	f.hold("000660", 1000)
	f.book.Update("000660", func(p *models.Position) bool {
		p.ConditionSource = "2:000660" // overnight scanner
		return true
	})

	f.manager.ClosePass(context.Background())

	pos, _ := f.book.Get("005930")
	assert.Equal(t, models.StatusSellOrderedBulk, pos.Status)
	pos, _ = f.book.Get("000660")
	assert.Equal(t, models.StatusHeld, pos.Status, "overnight scanner survives the close")
}

func TestClosePassVisionApproval(t *testing.T) {
	f := newManagerFixture(t)
	f.analyzer.verdict = &vision.Verdict{Decision: "YES", Reason: "추세 유지"}
	f.hold("005930", 1000)

	f.manager.ClosePass(context.Background())

	pos, _ := f.book.Get("005930")
	assert.Equal(t, models.StatusHeld, pos.Status)
	assert.True(t, pos.OvernightApproved)
}

func TestMorningPassGapDownSells(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 10_000)
	f.book.Update("005930", func(p *models.Position) bool {
		p.OvernightApproved = true
		return true
	})
	f.tickPrice("005930", 9_900)

	f.manager.MorningPass(context.Background())

	pos, _ := f.book.Get("005930")
	assert.Equal(t, models.StatusSellOrderedGap, pos.Status)
}

func TestMorningPassStrongOpenArmsTrailing(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 10_000)
	f.book.Update("005930", func(p *models.Position) bool {
		p.ConditionSource = "carryover"
		return true
	})
	f.tickPrice("005930", 10_500)

	f.manager.MorningPass(context.Background())

	pos, _ := f.book.Get("005930")
	assert.Equal(t, models.StatusHeld, pos.Status)
	assert.True(t, pos.TrailingActive)
	assert.Positive(t, pos.PeakProfitRate)
	assert.False(t, pos.OvernightApproved)
}

func TestMorningPassSellsOvernightScannerGapDown(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 10_000)
	f.book.Update("005930", func(p *models.Position) bool {
		// Overnight scanner entry from yesterday, never individually
		// approved and not a balance carryover.
		p.ConditionSource = "2:종가베팅"
		return true
	})
	f.tickPrice("005930", 9_500)

	f.manager.MorningPass(context.Background())

	pos, _ := f.book.Get("005930")
	assert.Equal(t, models.StatusSellOrderedGap, pos.Status)
	assert.Equal(t, []string{"005930"}, f.broker.sells)
}

func TestMorningPassSecondRunKeepsPeak(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 10_000)
	f.book.Update("005930", func(p *models.Position) bool {
		p.ConditionSource = "carryover"
		return true
	})
	f.tickPrice("005930", 10_500)
	f.manager.MorningPass(context.Background())
	pos, _ := f.book.Get("005930")
	require.True(t, pos.TrailingActive)
	peak := pos.PeakProfitRate

	// A re-run inside the window must not re-arm the trail at a new rate.
	f.tickPrice("005930", 10_900)
	f.manager.MorningPass(context.Background())
	pos, _ = f.book.Get("005930")
	assert.Equal(t, peak, pos.PeakProfitRate)
}

func TestBulkSell(t *testing.T) {
	f := newManagerFixture(t)
	f.hold("005930", 1000)
	f.hold("000660", 1000)
	f.book.Put(models.Position{Symbol: "035720", Status: models.StatusBuyOrdered, OrderTime: f.now})

	sold := f.manager.BulkSell(context.Background())
	assert.Equal(t, 2, sold)
	assert.ElementsMatch(t, []string{"005930", "000660"}, f.broker.sells)
}
