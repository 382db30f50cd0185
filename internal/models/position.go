// Package models provides the data structures shared across the trading
// engine: positions, settings, strategy presets, trade records and the
// fee schedule.
package models

import (
	"fmt"
	"time"
)

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	// StatusBuyOrdered means a buy order is in flight and unfilled.
	StatusBuyOrdered PositionStatus = "BUY_ORDERED"
	// StatusHeld means the position is filled and under management.
	StatusHeld PositionStatus = "HELD"
	// StatusSellOrdered means an exit order (stop, trailing, time-cut) is in flight.
	StatusSellOrdered PositionStatus = "SELL_ORDERED"
	// StatusSellOrderedBulk means the exit came from a bulk or end-of-day liquidation.
	StatusSellOrderedBulk PositionStatus = "SELL_ORDERED_BULK"
	// StatusSellOrderedGap means the exit came from the morning gap check.
	StatusSellOrderedGap PositionStatus = "SELL_ORDERED_GAP"
)

// IsSelling reports whether an exit order is already in flight.
func (s PositionStatus) IsSelling() bool {
	switch s {
	case StatusSellOrdered, StatusSellOrderedBulk, StatusSellOrderedGap:
		return true
	}
	return false
}

// validStatusTransitions defines the allowed status graph.
var validStatusTransitions = map[PositionStatus][]PositionStatus{
	StatusBuyOrdered: {StatusHeld},
	StatusHeld:       {StatusSellOrdered, StatusSellOrderedBulk, StatusSellOrderedGap},
	// A cancelled sell order reverts to HELD.
	StatusSellOrdered:     {StatusHeld},
	StatusSellOrderedBulk: {StatusHeld},
	StatusSellOrderedGap:  {StatusHeld},
}

// Position is the per-symbol record tracked by the engine. Positions are
// created by a successful buy order or by the reconciler discovering an
// external fill, and removed only when the server balance confirms the
// symbol is gone.
type Position struct {
	Symbol            string         `json:"symbol"`
	Name              string         `json:"name"`
	BuyPrice          int            `json:"buy_price"`
	BuyQty            int            `json:"buy_qty"`
	Status    PositionStatus `json:"status"`
	OrderTime time.Time      `json:"order_time"`
	// SellOrderTime tracks the in-flight exit order's age separately so a
	// cancelled sell does not reset the time-cut clock.
	SellOrderTime     time.Time `json:"sell_order_time,omitempty"`
	LastCancelAttempt time.Time `json:"last_cancel_attempt,omitempty"`
	ActiveOrderID     string    `json:"active_order_id,omitempty"`
	// SellReason records which exit rule raised the in-flight sell order,
	// for the trade log once the fill lands.
	SellReason string `json:"sell_reason,omitempty"`
	// ConditionSource records which scanner produced the entry, as
	// "id:name". Restored holdings use "carryover".
	ConditionSource   string  `json:"condition_source"`
	TrailingActive    bool    `json:"trailing_active"`
	PeakProfitRate    float64 `json:"peak_profit_rate"`
	CurrentProfitRate float64 `json:"current_profit_rate"`
	// CustomStopLossRate is the per-trade stop derived from the vision
	// verdict. Zero means unset; when set it is strictly negative.
	CustomStopLossRate float64 `json:"custom_stop_loss_rate,omitempty"`
	OvernightApproved  bool    `json:"overnight_approved"`
}

// ConditionID returns the scanner id portion of ConditionSource, or ""
// when the source carries no id (external buys, carryovers).
func (p *Position) ConditionID() string {
	for i := 0; i < len(p.ConditionSource); i++ {
		if p.ConditionSource[i] == ':' {
			return p.ConditionSource[:i]
		}
	}
	return ""
}

// Transition moves the position to a new status, enforcing the status
// graph. The order id is cleared on any transition out of an ordered
// state so at most one order is ever in flight.
func (p *Position) Transition(to PositionStatus) error {
	for _, allowed := range validStatusTransitions[p.Status] {
		if allowed == to {
			if p.Status.IsSelling() || p.Status == StatusBuyOrdered {
				p.ActiveOrderID = ""
			}
			if p.Status.IsSelling() && to == StatusHeld {
				p.SellReason = ""
				p.SellOrderTime = time.Time{}
			}
			p.Status = to
			return nil
		}
	}
	return fmt.Errorf("invalid position transition %s -> %s for %s", p.Status, to, p.Symbol)
}

// Validate checks the per-status invariants.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("position missing symbol")
	}
	switch p.Status {
	case StatusBuyOrdered, StatusHeld, StatusSellOrdered, StatusSellOrderedBulk, StatusSellOrderedGap:
	default:
		return fmt.Errorf("unknown position status %q for %s", p.Status, p.Symbol)
	}
	if p.Status != StatusBuyOrdered && (p.BuyQty <= 0 || p.BuyPrice <= 0) {
		return fmt.Errorf("position %s in %s with qty=%d price=%d", p.Symbol, p.Status, p.BuyQty, p.BuyPrice)
	}
	if p.ActiveOrderID != "" && !p.Status.IsSelling() && p.Status != StatusBuyOrdered {
		return fmt.Errorf("position %s holds order %s outside an ordered status", p.Symbol, p.ActiveOrderID)
	}
	if p.CustomStopLossRate > 0 {
		return fmt.Errorf("position %s custom stop must be negative, got %.2f", p.Symbol, p.CustomStopLossRate)
	}
	return nil
}

// EffectiveStopLoss returns the stop-loss threshold for this position:
// the vision-derived per-trade rate when present, else the global rate.
func (p *Position) EffectiveStopLoss(globalRate float64) float64 {
	if p.CustomStopLossRate < 0 {
		return p.CustomStopLossRate
	}
	return globalRate
}
