package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

// SQLiteStorage is the production store. WAL mode plus a generous busy
// timeout lets the dashboard process read the same file while the engine
// writes.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (and if needed creates) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	connStr := path + "?_txlock=immediate"
	connStr += "&_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=busy_timeout(30000)"
	connStr += "&_pragma=temp_store(MEMORY)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids needless
	// SQLITE_BUSY churn under load.
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			key        TEXT PRIMARY KEY,
			value      TEXT,
			updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS trade_logs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     TEXT,
			action        TEXT,
			stock_code    TEXT,
			stock_name    TEXT,
			qty           INTEGER,
			price         INTEGER,
			reason        TEXT,
			profit_rate   REAL,
			profit_amt    INTEGER,
			vision_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS command_queue (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			cmd_type   TEXT,
			payload    TEXT,
			status     TEXT DEFAULT 'PENDING',
			created_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS system_logs (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT,
			level     TEXT,
			module    TEXT,
			message   TEXT
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// GetKV unmarshals the JSON value stored under key into out. The second
// return is false when the key is absent.
func (s *SQLiteStorage) GetKV(key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read kv %q: %w", key, err)
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode kv %q: %w", key, err)
	}
	return true, nil
}

// SetKV stores value under key as JSON, replacing any prior value.
func (s *SQLiteStorage) SetKV(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode kv %q: %w", key, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)`,
		key, string(raw), time.Now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to write kv %q: %w", key, err)
	}
	return nil
}

// LogTrade appends a row to the trade log.
func (s *SQLiteStorage) LogTrade(rec models.TradeRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO trade_logs
			(timestamp, action, stock_code, stock_name, qty, price, reason, profit_rate, profit_amt, vision_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(timeLayout), string(rec.Action), rec.Symbol, rec.Name,
		rec.Qty, rec.Price, rec.Reason, rec.ProfitRate, rec.ProfitAmount, rec.VisionReason,
	)
	if err != nil {
		return fmt.Errorf("failed to log trade for %s: %w", rec.Symbol, err)
	}
	return nil
}

// RecentTrades returns up to limit trade rows, newest first.
func (s *SQLiteStorage) RecentTrades(limit int) ([]models.TradeRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, action, stock_code, stock_name, qty, price, reason, profit_rate, profit_amt, vision_reason
		 FROM trade_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var rec models.TradeRecord
		var ts, action string
		var visionReason sql.NullString
		if err := rows.Scan(&rec.ID, &ts, &action, &rec.Symbol, &rec.Name,
			&rec.Qty, &rec.Price, &rec.Reason, &rec.ProfitRate, &rec.ProfitAmount, &visionReason); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		rec.Action = models.TradeAction(action)
		rec.Timestamp, _ = time.ParseInLocation(timeLayout, ts, time.Local)
		rec.VisionReason = visionReason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PushCommand enqueues a PENDING command.
func (s *SQLiteStorage) PushCommand(cmdType models.CommandType, payload string) error {
	_, err := s.db.Exec(
		`INSERT INTO command_queue (cmd_type, payload, status, created_at) VALUES (?, ?, 'PENDING', ?)`,
		string(cmdType), payload, time.Now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to push command %s: %w", cmdType, err)
	}
	return nil
}

// PopCommand claims the oldest PENDING command. The transaction opens in
// immediate mode (see the DSN) so two engines racing on the same file
// cannot claim the same row.
func (s *SQLiteStorage) PopCommand() (*models.Command, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin pop transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cmd models.Command
	var cmdType, created string
	err = tx.QueryRow(
		`SELECT id, cmd_type, payload, status, created_at
		 FROM command_queue WHERE status = 'PENDING' ORDER BY id ASC LIMIT 1`,
	).Scan(&cmd.ID, &cmdType, &cmd.Payload, &cmd.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCommand
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select command: %w", err)
	}

	if _, err := tx.Exec(`UPDATE command_queue SET status = 'DONE' WHERE id = ?`, cmd.ID); err != nil {
		return nil, fmt.Errorf("failed to mark command %d done: %w", cmd.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit command pop: %w", err)
	}

	cmd.Type = models.CommandType(cmdType)
	cmd.Status = "DONE"
	cmd.CreatedAt, _ = time.ParseInLocation(timeLayout, created, time.Local)
	return &cmd, nil
}

// SaveSystemLog appends one row to the system log table.
func (s *SQLiteStorage) SaveSystemLog(level, module, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO system_logs (timestamp, level, module, message) VALUES (?, ?, ?, ?)`,
		time.Now().Format(timeLayout), level, module, message,
	)
	if err != nil {
		return fmt.Errorf("failed to save system log: %w", err)
	}
	return nil
}

// Cleanup applies the retention policy.
func (s *SQLiteStorage) Cleanup(ageDays int) (int64, int64, error) {
	cutoff := time.Now().AddDate(0, 0, -ageDays).Format(timeLayout)

	res, err := s.db.Exec(`DELETE FROM trade_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to clean trade logs: %w", err)
	}
	trades, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM system_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return trades, 0, fmt.Errorf("failed to clean system logs: %w", err)
	}
	logs, _ := res.RowsAffected()

	if _, err := s.db.Exec(`DELETE FROM command_queue WHERE status = 'DONE' AND created_at < ?`, cutoff); err != nil {
		return trades, logs, fmt.Errorf("failed to clean command queue: %w", err)
	}
	return trades, logs, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
