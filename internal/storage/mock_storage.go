package storage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests.
type MockStorage struct {
	mu       sync.Mutex
	kv       map[string]string
	trades   []models.TradeRecord
	commands []models.Command
	logs     []string
	nextID   int64

	// FailWrites makes every write return an error, for exercising the
	// engine's swallow-and-continue paths.
	FailWrites bool
}

// NewMockStorage returns an empty mock store.
func NewMockStorage() *MockStorage {
	return &MockStorage{kv: make(map[string]string), nextID: 1}
}

var _ Interface = (*MockStorage)(nil)

func (m *MockStorage) GetKV(key string, out any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.kv[key]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	return true, json.Unmarshal([]byte(raw), out)
}

func (m *MockStorage) SetKV(key string, value any) error {
	if m.FailWrites {
		return errWriteFailed
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = string(raw)
	return nil
}

func (m *MockStorage) LogTrade(rec models.TradeRecord) error {
	if m.FailWrites {
		return errWriteFailed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID
	m.nextID++
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.trades = append(m.trades, rec)
	return nil
}

func (m *MockStorage) RecentTrades(limit int) ([]models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TradeRecord, 0, limit)
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.trades[i])
	}
	return out, nil
}

func (m *MockStorage) PushCommand(cmdType models.CommandType, payload string) error {
	if m.FailWrites {
		return errWriteFailed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, models.Command{
		ID:        m.nextID,
		Type:      cmdType,
		Payload:   payload,
		Status:    "PENDING",
		CreatedAt: time.Now(),
	})
	m.nextID++
	return nil
}

func (m *MockStorage) PopCommand() (*models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.commands {
		if m.commands[i].Status == "PENDING" {
			m.commands[i].Status = "DONE"
			cmd := m.commands[i]
			return &cmd, nil
		}
	}
	return nil, ErrNoCommand
}

func (m *MockStorage) SaveSystemLog(level, module, message string) error {
	if m.FailWrites {
		return errWriteFailed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, level+" "+module+" "+message)
	return nil
}

func (m *MockStorage) Cleanup(ageDays int) (int64, int64, error) {
	return 0, 0, nil
}

func (m *MockStorage) Close() error { return nil }

// TradeCount reports the number of logged trades.
func (m *MockStorage) TradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}
