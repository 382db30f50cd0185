// Package storage persists engine state in a single embedded SQLite
// database: a JSON key-value table, the append-only trade log, the
// UI-to-engine command queue, and the system log.
package storage

import "github.com/hyeonwoo-kim/yeouido_scalper/internal/models"

// Well-known kv keys shared across packages.
const (
	// SettingsKey holds the authoritative runtime Settings record.
	SettingsKey = "settings"
	// StatusKey holds the dashboard status snapshot.
	StatusKey = "status"
)

// Interface defines the contract for engine state persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can call them from multiple goroutines.
// The SQLite implementation relies on WAL mode and a 30s busy timeout for
// its internal serialization.
//
// Store failures must never take the engine down: reads report absence,
// writes return errors the caller is expected to log and swallow.
type Interface interface {
	// Key-value state. Values round-trip through JSON.
	GetKV(key string, out any) (bool, error)
	SetKV(key string, value any) error

	// Trade log.
	LogTrade(rec models.TradeRecord) error
	RecentTrades(limit int) ([]models.TradeRecord, error)

	// Command queue. PopCommand atomically claims the oldest PENDING
	// command, marking it DONE; each command is delivered to at most one
	// caller.
	PushCommand(cmdType models.CommandType, payload string) error
	PopCommand() (*models.Command, error)

	// System log mirror.
	SaveSystemLog(level, module, message string) error

	// Cleanup deletes trade logs and system logs older than the cutoff,
	// plus DONE commands. Returns (trades deleted, logs deleted).
	Cleanup(ageDays int) (int64, int64, error)

	Close() error
}

// NewStorage opens the SQLite-backed store at path.
func NewStorage(path string) (Interface, error) {
	return NewSQLiteStorage(path)
}

// Ensure SQLiteStorage implements Interface
var _ Interface = (*SQLiteStorage)(nil)
