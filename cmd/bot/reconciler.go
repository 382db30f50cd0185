package main

import (
	"context"
	"log"
	"time"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/broker"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/market"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/positions"
)

const buyOrderGrace = 5 * time.Minute

// subscriber is the realtime-quote registration surface the reconciler
// needs from the stream gateway.
type subscriber interface {
	AddSubscription(code, subType string)
}

// reconciler keeps the local position book consistent with the broker's
// account: server holdings are the source of truth for what is owned,
// the book is the source of truth for exit policy.
type reconciler struct {
	book     *positions.Book
	broker   broker.Broker
	subs     subscriber
	names    interface{ Name(code string) string }
	settings func() models.Settings
	logger   *log.Logger
	now      func() time.Time

	lastBalance *broker.Balance
	lastProfit  int
	hasProfit   bool
	profitAt    time.Time
}

func newReconciler(book *positions.Book, brk broker.Broker, subs subscriber, names interface{ Name(code string) string }, settings func() models.Settings, logger *log.Logger) *reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &reconciler{
		book:     book,
		broker:   brk,
		subs:     subs,
		names:    names,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile runs one holdings merge. The returned balance feeds the
// status snapshot; nil when the fetch failed.
func (r *reconciler) Reconcile(ctx context.Context) *broker.Balance {
	bal, err := r.broker.Balance(ctx)
	if err != nil {
		r.logger.Printf("reconciler: failed to fetch balance: %v", err)
		return nil
	}
	r.lastBalance = bal

	now := r.now()
	onServer := make(map[string]broker.Holding, len(bal.Holdings))
	for _, h := range bal.Holdings {
		onServer[h.Symbol] = h
		r.mergeHolding(h, now)
	}
	r.dropStale(onServer, now)
	return bal
}

// mergeHolding folds one server holding into the book: quantity and
// price corrections, BUY_ORDERED promotion when the fill report was
// missed, and creation of positions bought outside the engine.
func (r *reconciler) mergeHolding(h broker.Holding, now time.Time) {
	if h.Qty <= 0 {
		return
	}

	if updated := r.book.Update(h.Symbol, func(p *models.Position) bool {
		changed := false
		if p.Status == models.StatusBuyOrdered {
			if err := p.Transition(models.StatusHeld); err == nil {
				r.logger.Printf("reconciler: %s promoted to HELD from server balance", h.Symbol)
				changed = true
			}
		}
		if h.BuyPrice > 0 && p.BuyPrice != h.BuyPrice {
			p.BuyPrice = h.BuyPrice
			changed = true
		}
		if p.BuyQty != h.Qty {
			p.BuyQty = h.Qty
			changed = true
		}
		if h.ProfitRate > p.PeakProfitRate {
			p.PeakProfitRate = h.ProfitRate
			changed = true
		}
		return changed
	}); updated {
		return
	}
	if _, ok := r.book.Get(h.Symbol); ok {
		return
	}

	name := h.Name
	if name == "" && r.names != nil {
		name = r.names.Name(h.Symbol)
	}
	r.logger.Printf("reconciler: adopting external holding %s qty=%d", h.Symbol, h.Qty)
	r.book.Put(models.Position{
		Symbol:          h.Symbol,
		Name:            name,
		BuyPrice:        h.BuyPrice,
		BuyQty:          h.Qty,
		Status:          models.StatusHeld,
		OrderTime:       now,
		ConditionSource: "carryover",
	})
	if r.subs != nil {
		r.subs.AddSubscription(h.Symbol, "")
	}
}

// dropStale removes book entries the server no longer holds. The
// opening auction window reports incomplete balances, so non-sell
// deletions are suppressed there; positions with a sell order in flight
// still clear so filled liquidations do not linger. Outside the day-safe
// window nothing is dropped.
func (r *reconciler) dropStale(onServer map[string]broker.Holding, now time.Time) {
	if !market.InDaySafeWindow(now) {
		return
	}
	opening := market.InOpeningProtection(now)
	cooldown := time.Duration(r.settings().ReEntryCooldownMin) * time.Minute
	for _, p := range r.book.List() {
		if _, ok := onServer[p.Symbol]; ok {
			continue
		}
		if opening && !p.Status.IsSelling() {
			continue
		}
		if p.Status == models.StatusBuyOrdered && now.Sub(p.OrderTime) < buyOrderGrace {
			continue
		}
		r.logger.Printf("reconciler: %s gone from server balance, dropping (%s)", p.Symbol, p.Status)
		r.book.Remove(p.Symbol, cooldown)
	}
}

// RealizedProfit returns today's realized P&L, refreshed at most once
// per minute.
func (r *reconciler) RealizedProfit(ctx context.Context) (int, bool) {
	now := r.now()
	if now.Sub(r.profitAt) < time.Minute {
		return r.lastProfit, r.hasProfit
	}
	r.profitAt = now
	profit, ok, err := r.broker.DailyProfit(ctx)
	if err != nil {
		r.logger.Printf("reconciler: failed to fetch realized profit: %v", err)
		return r.lastProfit, r.hasProfit
	}
	r.lastProfit, r.hasProfit = profit, ok
	return profit, ok
}

// LastBalance returns the most recent successful balance fetch.
func (r *reconciler) LastBalance() *broker.Balance {
	return r.lastBalance
}
