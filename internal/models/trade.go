package models

import "time"

// TradeAction distinguishes the two sides of the trade log.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// TradeRecord is one row of the append-only trade log.
type TradeRecord struct {
	ID           int64       `json:"id"`
	Timestamp    time.Time   `json:"timestamp"`
	Action       TradeAction `json:"action"`
	Symbol       string      `json:"symbol"`
	Name         string      `json:"name"`
	Qty          int         `json:"qty"`
	Price        int         `json:"price"`
	Reason       string      `json:"reason"`
	ProfitRate   float64     `json:"profit_rate"`
	ProfitAmount int         `json:"profit_amount"`
	VisionReason string      `json:"vision_reason,omitempty"`
}

// CommandType enumerates the UI-to-engine commands.
type CommandType string

const (
	CommandBulkSell    CommandType = "BULK_SELL"
	CommandBacktestReq CommandType = "BACKTEST_REQ"
)

// Command is one row of the store's command queue. The store's pop
// operation delivers each PENDING command to exactly one consumer.
type Command struct {
	ID        int64       `json:"id"`
	Type      CommandType `json:"cmd_type"`
	Payload   string      `json:"payload"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// ConditionEvent is a broker-pushed scanner notification: a symbol
// entered ("I") or left ("D") a server-side condition.
type ConditionEvent struct {
	ConditionID string
	Symbol      string
	Type        string // "I" or "D"
	Price       int    // current price carried on the frame, 0 if absent
}

// Candle is one minute bar, newest-first as delivered by the chart TR.
type Candle struct {
	Time   string // YYYYMMDDHHMMSS
	Open   int
	High   int
	Low    int
	Close  int
	Volume int
}
