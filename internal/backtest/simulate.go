// Package backtest replays the exit rules over historical minute
// candles so a scanner signal list can be scored without trading.
package backtest

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/broker"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
)

// Signal is one historical entry to simulate.
type Signal struct {
	Symbol string `json:"stock_code"`
	Date   string `json:"date"` // YYYYMMDD
	Time   string `json:"time"` // HHMMSS
}

// Result scores one simulated trade.
type Result struct {
	Symbol     string  `json:"stock_code"`
	BuyTime    string  `json:"buy_time"`
	BuyPrice   int     `json:"buy_price"`
	SellTime   string  `json:"sell_time"`
	SellPrice  int     `json:"sell_price"`
	ProfitRate float64 `json:"profit_rate"`
	SellReason string  `json:"sell_reason"`
}

// Simulator walks minute charts with the live exit parameters.
type Simulator struct {
	broker broker.Broker
	logger *log.Logger
}

func NewSimulator(brk broker.Broker, logger *log.Logger) *Simulator {
	if logger == nil {
		logger = log.Default()
	}
	return &Simulator{broker: brk, logger: logger}
}

// Run simulates every signal. Chart fetch failures score the signal as
// unfillable rather than aborting the batch.
func (s *Simulator) Run(ctx context.Context, signals []Signal, cfg models.Settings) []Result {
	results := make([]Result, 0, len(signals))
	for _, sig := range signals {
		if ctx.Err() != nil {
			break
		}
		candles, err := s.broker.MinuteChart(ctx, sig.Symbol, "1")
		if err != nil {
			s.logger.Printf("warning: chart fetch failed for %s: %v", sig.Symbol, err)
			results = append(results, failed(sig.Symbol, "chart unavailable"))
			continue
		}
		results = append(results, Simulate(sig, candles, cfg))
	}
	return results
}

func failed(symbol, reason string) Result {
	return Result{Symbol: symbol, BuyTime: "-", SellTime: "-", SellReason: reason}
}

func rate(buy, price int) float64 {
	return float64(price-buy) / float64(buy) * 100
}

func result(sig Signal, buyPrice int, buyTime string, sellPrice int, sellTime, reason string) Result {
	profit := 0.0
	if buyPrice > 0 {
		profit = math.Round(rate(buyPrice, sellPrice)*100) / 100
	}
	return Result{
		Symbol:     sig.Symbol,
		BuyTime:    buyTime,
		BuyPrice:   buyPrice,
		SellTime:   sellTime,
		SellPrice:  sellPrice,
		ProfitRate: profit,
		SellReason: reason,
	}
}

// Simulate walks one signal through the candle series. Entry fills at
// the close of the first candle at or after the signal time; exits use
// intrabar highs and lows, selling at the open when a gap jumps past
// the trigger price.
func Simulate(sig Signal, candles []models.Candle, cfg models.Settings) Result {
	series := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if c.Time != "" && c.Close > 0 {
			series = append(series, c)
		}
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Time < series[j].Time })
	if len(series) == 0 {
		return failed(sig.Symbol, "no usable candles")
	}

	target := sig.Date + sig.Time
	entry := -1
	for i, c := range series {
		if c.Time >= target && strings.HasPrefix(c.Time, sig.Date) {
			entry = i
			break
		}
	}
	if entry == -1 {
		return failed(sig.Symbol, fmt.Sprintf("entry outside data range %s..%s",
			series[0].Time[:8], series[len(series)-1].Time[:8]))
	}

	buyPrice := series[entry].Close
	buyTime := series[entry].Time

	trailing := false
	peak := 0.0

	for i := entry + 1; i < len(series); i++ {
		c := series[i]

		if !strings.HasPrefix(c.Time, sig.Date) {
			return result(sig, buyPrice, buyTime, c.Open, c.Time, "overnight open-out")
		}
		if strings.HasSuffix(c.Time, "152000") || strings.HasSuffix(c.Time, "153000") {
			return result(sig, buyPrice, buyTime, c.Close, c.Time, "market close")
		}

		lowRate := rate(buyPrice, c.Low)
		highRate := rate(buyPrice, c.High)

		if lowRate <= cfg.StopLossRate {
			stopPrice := float64(buyPrice) * (1 + cfg.StopLossRate/100)
			sellPrice := int(stopPrice)
			// A gap through the stop fills at the open instead.
			if float64(c.Open) < stopPrice {
				sellPrice = c.Open
			}
			return result(sig, buyPrice, buyTime, sellPrice, c.Time,
				fmt.Sprintf("stop loss (%.1f%%)", cfg.StopLossRate))
		}

		if !trailing && highRate >= cfg.TrailingStartRate {
			trailing = true
			peak = highRate
		}
		if trailing {
			if highRate > peak {
				peak = highRate
			}
			exitRate := peak + cfg.TrailingStopRate
			exitPrice := float64(buyPrice) * (1 + exitRate/100)
			if lowRate <= exitRate {
				sellPrice := int(exitPrice)
				if float64(c.Open) < exitPrice {
					sellPrice = c.Open
				}
				return result(sig, buyPrice, buyTime, sellPrice, c.Time,
					fmt.Sprintf("trailing take profit (%.2f%%)", exitRate))
			}
		}
	}

	last := series[len(series)-1]
	return result(sig, buyPrice, buyTime, last.Close, last.Time, "unclosed at data end")
}
