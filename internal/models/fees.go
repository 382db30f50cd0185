package models

// FeeSchedule holds the per-side commission and transaction-tax rates.
// Paper accounts are charged a much higher simulated commission than
// real ones; the tax is identical.
type FeeSchedule struct {
	BuyFeeRate  float64
	SellFeeRate float64
	TaxRate     float64
}

var (
	mockFees = FeeSchedule{BuyFeeRate: 0.0035, SellFeeRate: 0.0035, TaxRate: 0.0015}
	realFees = FeeSchedule{BuyFeeRate: 0.00015, SellFeeRate: 0.00015, TaxRate: 0.0015}
)

// FeesFor returns the fee schedule for the trading mode.
func FeesFor(mockTrade bool) FeeSchedule {
	if mockTrade {
		return mockFees
	}
	return realFees
}

// NetProfit computes the fee- and tax-adjusted profit of selling qty
// shares bought at buyPrice at the current price. Fees truncate to whole
// won per leg, matching the broker's statements.
func (f FeeSchedule) NetProfit(buyPrice, currentPrice, qty int) int {
	pureBuy := buyPrice * qty
	eval := currentPrice * qty
	cost := int(float64(pureBuy)*f.BuyFeeRate) +
		int(float64(eval)*f.SellFeeRate) +
		int(float64(eval)*f.TaxRate)
	return eval - pureBuy - cost
}

// NetProfitRate is NetProfit expressed as a percentage of the purchase
// amount. Returns 0 when the purchase amount is zero.
func (f FeeSchedule) NetProfitRate(buyPrice, currentPrice, qty int) float64 {
	pureBuy := buyPrice * qty
	if pureBuy == 0 {
		return 0
	}
	return float64(f.NetProfit(buyPrice, currentPrice, qty)) / float64(pureBuy) * 100
}
