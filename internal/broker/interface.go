package broker

import (
	"context"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
)

// Broker is the surface the trading engine uses. Client implements it
// against the Kiwoom REST API; tests substitute a fake.
type Broker interface {
	// Balance returns the account summary and current holdings.
	Balance(ctx context.Context) (*Balance, error)
	// Deposit returns the orderable cash amount in KRW.
	Deposit(ctx context.Context) (int, error)
	// StockInfo returns the current price snapshot for one symbol.
	StockInfo(ctx context.Context, symbol string) (*StockInfo, error)
	// Quote returns the aggregate order-book totals for one symbol.
	Quote(ctx context.Context, symbol string) (*Quote, error)
	// MinuteChart returns minute candles, newest first.
	MinuteChart(ctx context.Context, symbol, tickScope string) ([]models.Candle, error)
	// DailyChart returns up to count daily candles, newest first.
	DailyChart(ctx context.Context, symbol string, count int) ([]models.Candle, error)
	// DailyProfit returns today's realized P&L. The bool is false when
	// the broker has no record for the day.
	DailyProfit(ctx context.Context) (int, bool, error)
	// Buy submits a buy order and returns the order id. price 0 means
	// market.
	Buy(ctx context.Context, symbol string, qty, price int) (string, error)
	// Sell submits a sell order and returns the order id. price 0 means
	// market.
	Sell(ctx context.Context, symbol string, qty, price int) (string, error)
	// Cancel cancels an unfilled order.
	Cancel(ctx context.Context, symbol string, qty int, orderID string, isBuy bool) error
}

var _ Broker = (*Client)(nil)
