package models

import "strings"

// BotStatus is the desired engine mode, driven by the UI through the
// settings record in the store.
type BotStatus string

const (
	StatusRunning    BotStatus = "RUNNING"
	StatusStopped    BotStatus = "STOPPED"
	StatusRestarting BotStatus = "RESTARTING"
	StatusBooting    BotStatus = "BOOTING"
)

// RotationWindow maps a wall-clock start time ("HH:MM") to the scanner
// that should be active from then on.
type RotationWindow struct {
	Start       string `json:"start" yaml:"start"`
	ConditionID string `json:"condition_id" yaml:"condition_id"`
}

// Settings is the process-wide runtime configuration. The copy persisted
// in the store's kv table is authoritative; values loaded from the config
// file only seed the first run.
type Settings struct {
	BotStatus          BotStatus `json:"bot_status"`
	MockTrade          bool      `json:"mock_trade"`
	ConditionID        string    `json:"condition_id"`
	OrderAmount        int       `json:"order_amount"`
	StopLossRate       float64   `json:"stop_loss_rate"`
	TrailingStartRate  float64   `json:"trailing_start_rate"`
	TrailingStopRate   float64   `json:"trailing_stop_rate"`
	ReEntryCooldownMin int       `json:"re_entry_cooldown_min"`
	TimeCutMinutes     int       `json:"time_cut_minutes"`
	RSILimit           float64   `json:"rsi_limit"`
	UseHogaFilter      bool      `json:"use_hoga_filter"`
	MinBuySellRatio    float64   `json:"min_buy_sell_ratio"`
	UseAIStopLoss      bool      `json:"use_ai_stop_loss"`
	// AIStopLossSafetyLimit caps how deep a vision-derived stop may sit,
	// e.g. -5.0 rejects any entry whose stop implies a worse loss.
	AIStopLossSafetyLimit float64           `json:"ai_stop_loss_safety_limit"`
	UseMarketFilter       bool              `json:"use_market_filter"`
	UseMarketTime         bool              `json:"use_market_time"`
	UseAutoSell           bool              `json:"use_auto_sell"`
	UseScheduler          bool              `json:"use_scheduler"`
	Rotation              [3]RotationWindow `json:"rotation"`
	// OvernightCondIDs lists scanner ids whose entries survive the
	// end-of-day liquidation, comma separated.
	OvernightCondIDs string `json:"overnight_cond_ids"`
	UseTelegram      bool   `json:"use_telegram"`
	DebugMode        bool   `json:"debug_mode"`

	// IntendedStatus carries the status to restore after a RESTARTING
	// cycle completes.
	IntendedStatus BotStatus `json:"intended_status,omitempty"`
}

// DefaultSettings mirrors the shipped defaults.
func DefaultSettings() Settings {
	return Settings{
		BotStatus:             StatusStopped,
		MockTrade:             true,
		ConditionID:           "0",
		OrderAmount:           100_000,
		StopLossRate:          -1.5,
		TrailingStartRate:     1.5,
		TrailingStopRate:      -1.0,
		ReEntryCooldownMin:    30,
		TimeCutMinutes:        30,
		RSILimit:              75,
		UseHogaFilter:         true,
		MinBuySellRatio:       0.5,
		UseAIStopLoss:         true,
		AIStopLossSafetyLimit: -5.0,
		UseMarketFilter:       true,
		UseMarketTime:         true,
		UseAutoSell:           true,
		UseScheduler:          true,
		Rotation: [3]RotationWindow{
			{Start: "08:50", ConditionID: "0"},
			{Start: "10:30", ConditionID: "1"},
			{Start: "15:10", ConditionID: "2"},
		},
		OvernightCondIDs: "2",
		UseTelegram:      true,
	}
}

// OvernightIDs splits OvernightCondIDs into a trimmed slice.
func (s *Settings) OvernightIDs() []string {
	var out []string
	for _, id := range strings.Split(s.OvernightCondIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Preset is an immutable bundle of exit-policy parameters tied to a
// scanner id. Selecting a scanner applies its preset over Settings.
type Preset struct {
	Description        string
	StopLossRate       float64
	TrailingStartRate  float64
	TrailingStopRate   float64
	ReEntryCooldownMin int
	MinBuySellRatio    float64
}

// Presets maps scanner id to its strategy preset.
var Presets = map[string]Preset{
	"0": {
		Description:        "morning momentum",
		StopLossRate:       -2.0,
		TrailingStartRate:  1.0,
		TrailingStopRate:   -0.6,
		ReEntryCooldownMin: 60,
		MinBuySellRatio:    0.5,
	},
	"1": {
		Description:        "pullback",
		StopLossRate:       -2.0,
		TrailingStartRate:  1.0,
		TrailingStopRate:   -0.6,
		ReEntryCooldownMin: 30,
		MinBuySellRatio:    0.5,
	},
	"2": {
		Description:        "close bet (overnight)",
		StopLossRate:       -2.0,
		TrailingStartRate:  1.0,
		TrailingStopRate:   -0.6,
		ReEntryCooldownMin: 0,
		MinBuySellRatio:    0.5,
	},
}

// ApplyPreset overwrites the exit-policy fields from the preset for the
// given scanner id. Returns false when no preset exists.
func (s *Settings) ApplyPreset(conditionID string) bool {
	p, ok := Presets[conditionID]
	if !ok {
		return false
	}
	s.StopLossRate = p.StopLossRate
	s.TrailingStartRate = p.TrailingStartRate
	s.TrailingStopRate = p.TrailingStopRate
	s.ReEntryCooldownMin = p.ReEntryCooldownMin
	s.MinBuySellRatio = p.MinBuySellRatio
	return true
}
