// Package positions owns the live position state: the persisted book,
// admission bookkeeping (cooldowns, in-flight locks, attempt history),
// and the exit engine that walks holdings every cadence.
package positions

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
)

const (
	positionsKey = "positions"

	// attemptWindow is how long a failed entry attempt blocks a retry.
	attemptWindow = 60 * time.Second
)

// Book is the single source of truth for positions and admission state.
// One lock covers all of it so the dedup gate sees a consistent view.
type Book struct {
	store  storage.Interface
	logger *log.Logger

	mu            sync.Mutex
	positions     map[string]*models.Position
	cooldownUntil map[string]time.Time
	attempts      map[string]time.Time
	inFlight      map[string]bool
}

// NewBook creates a book, restoring persisted positions from the store.
func NewBook(store storage.Interface, logger *log.Logger) *Book {
	if logger == nil {
		logger = log.Default()
	}
	b := &Book{
		store:         store,
		logger:        logger,
		positions:     map[string]*models.Position{},
		cooldownUntil: map[string]time.Time{},
		attempts:      map[string]time.Time{},
		inFlight:      map[string]bool{},
	}
	var saved map[string]*models.Position
	if found, err := store.GetKV(positionsKey, &saved); err != nil {
		logger.Printf("warning: failed to restore positions: %v", err)
	} else if found {
		b.positions = saved
		logger.Printf("restored %d positions from store", len(saved))
	}
	return b
}

func (b *Book) persistLocked() {
	if err := b.store.SetKV(positionsKey, b.positions); err != nil {
		b.logger.Printf("warning: failed to persist positions: %v", err)
	}
}

// Get returns a copy of one position.
func (b *Book) Get(symbol string) (models.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// List returns copies of all positions.
func (b *Book) List() []models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}

// Len returns the number of positions.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

// Put inserts or replaces a position.
func (b *Book) Put(p models.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.Symbol] = &p
	b.persistLocked()
}

// Update applies fn to one position under the lock. fn returning false
// leaves the book unchanged.
func (b *Book) Update(symbol string, fn func(*models.Position) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return false
	}
	if !fn(p) {
		return false
	}
	b.persistLocked()
	return true
}

// Transition moves a position to a new status, enforcing the transition
// table.
func (b *Book) Transition(symbol string, to models.PositionStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return fmt.Errorf("no position for %s", symbol)
	}
	if err := p.Transition(to); err != nil {
		return err
	}
	b.persistLocked()
	return nil
}

// Remove drops a position and optionally starts a re-entry cooldown.
func (b *Book) Remove(symbol string, cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
	if cooldown > 0 {
		b.cooldownUntil[symbol] = time.Now().Add(cooldown)
	}
	b.persistLocked()
}

// SetCooldown blocks re-entry for the symbol for the given duration.
func (b *Book) SetCooldown(symbol string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldownUntil[symbol] = time.Now().Add(d)
}

// Cooldowns returns the active cooldown deadlines.
func (b *Book) Cooldowns() map[string]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	out := map[string]time.Time{}
	for symbol, until := range b.cooldownUntil {
		if until.After(now) {
			out[symbol] = until
		} else {
			delete(b.cooldownUntil, symbol)
		}
	}
	return out
}

// AdmissionCheck is the dedup gate: one atomic check of position
// existence, in-flight state, cooldown, and recent attempt history.
// On success the symbol is marked in flight and the attempt recorded;
// the caller must Release it.
func (b *Book) AdmissionCheck(symbol string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, held := b.positions[symbol]; held {
		return false, "already holding"
	}
	if b.inFlight[symbol] {
		return false, "entry already in flight"
	}
	now := time.Now()
	if until, ok := b.cooldownUntil[symbol]; ok && until.After(now) {
		return false, fmt.Sprintf("cooldown until %s", until.Format("15:04:05"))
	}
	if last, ok := b.attempts[symbol]; ok && now.Sub(last) < attemptWindow {
		return false, "attempted recently"
	}

	b.inFlight[symbol] = true
	b.attempts[symbol] = now
	return true, ""
}

// Release clears the in-flight mark set by AdmissionCheck.
func (b *Book) Release(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, symbol)
}
