package market

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
)

const (
	// Index codes on the chart endpoints.
	IndexKOSPI  = "001"
	IndexKOSDAQ = "101"

	regimeSMAPeriod = 20
	regimeCacheTTL  = 5 * time.Minute
)

// ChartSource provides daily candles, newest first.
type ChartSource interface {
	DailyChart(ctx context.Context, symbol string, count int) ([]models.Candle, error)
}

type regimeState struct {
	bullish   bool
	checkedAt time.Time
	known     bool
}

// RegimeTracker answers whether an index trades above its 20-day moving
// average. Results are cached for five minutes so the pipeline can ask
// on every signal without hammering the chart endpoint.
type RegimeTracker struct {
	source ChartSource
	logger *log.Logger

	mu    sync.Mutex
	state map[string]*regimeState
}

func NewRegimeTracker(source ChartSource, logger *log.Logger) *RegimeTracker {
	if logger == nil {
		logger = log.Default()
	}
	return &RegimeTracker{
		source: source,
		logger: logger,
		state:  map[string]*regimeState{},
	}
}

// Bullish reports whether the index closed above its 20-day SMA. When
// the chart fetch fails the last known answer is reused; with no history
// at all the market is assumed healthy rather than freezing entries.
func (r *RegimeTracker) Bullish(ctx context.Context, indexCode string) bool {
	r.mu.Lock()
	st, ok := r.state[indexCode]
	if !ok {
		st = &regimeState{}
		r.state[indexCode] = st
	}
	if st.known && time.Since(st.checkedAt) < regimeCacheTTL {
		bullish := st.bullish
		r.mu.Unlock()
		return bullish
	}
	r.mu.Unlock()

	bullish, err := r.compute(ctx, indexCode)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.logger.Printf("warning: regime check for %s failed: %v", indexCode, err)
		if st.known {
			return st.bullish
		}
		return true
	}
	st.bullish = bullish
	st.checkedAt = time.Now()
	st.known = true
	return bullish
}

// Healthy reports whether both KOSPI and KOSDAQ are above their moving
// averages.
func (r *RegimeTracker) Healthy(ctx context.Context) bool {
	return r.Bullish(ctx, IndexKOSPI) && r.Bullish(ctx, IndexKOSDAQ)
}

func (r *RegimeTracker) compute(ctx context.Context, indexCode string) (bool, error) {
	candles, err := r.source.DailyChart(ctx, indexCode, regimeSMAPeriod+5)
	if err != nil {
		return false, err
	}
	if len(candles) < regimeSMAPeriod {
		return false, fmt.Errorf("only %d daily candles for %s", len(candles), indexCode)
	}

	// Candles arrive newest first; talib wants oldest first.
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[len(candles)-1-i] = float64(c.Close)
	}
	sma := talib.Sma(closes, regimeSMAPeriod)
	last := len(closes) - 1
	return closes[last] >= sma[last], nil
}
