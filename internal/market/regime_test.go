package market

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
)

type fakeChartSource struct {
	candles map[string][]models.Candle
	err     error
	calls   int
}

func (f *fakeChartSource) DailyChart(_ context.Context, symbol string, count int) ([]models.Candle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.candles[symbol], nil
}

// flatThen builds a newest-first series: base for the history, latest as
// today's close.
func flatThen(base, latest, n int) []models.Candle {
	candles := make([]models.Candle, n)
	candles[0] = models.Candle{Close: latest}
	for i := 1; i < n; i++ {
		candles[i] = models.Candle{Close: base}
	}
	return candles
}

func TestBullishAboveSMA(t *testing.T) {
	src := &fakeChartSource{candles: map[string][]models.Candle{
		IndexKOSPI: flatThen(2700, 2800, 25),
	}}
	tracker := NewRegimeTracker(src, nil)
	assert.True(t, tracker.Bullish(context.Background(), IndexKOSPI))
}

func TestBearishBelowSMA(t *testing.T) {
	src := &fakeChartSource{candles: map[string][]models.Candle{
		IndexKOSDAQ: flatThen(900, 850, 25),
	}}
	tracker := NewRegimeTracker(src, nil)
	assert.False(t, tracker.Bullish(context.Background(), IndexKOSDAQ))
}

func TestBullishAtExactAverage(t *testing.T) {
	// A close sitting exactly on the 20-day average still counts as
	// bullish.
	src := &fakeChartSource{candles: map[string][]models.Candle{
		IndexKOSPI: flatThen(2700, 2700, 25),
	}}
	tracker := NewRegimeTracker(src, nil)
	assert.True(t, tracker.Bullish(context.Background(), IndexKOSPI))
}

func TestRegimeCached(t *testing.T) {
	src := &fakeChartSource{candles: map[string][]models.Candle{
		IndexKOSPI: flatThen(2700, 2800, 25),
	}}
	tracker := NewRegimeTracker(src, nil)
	for i := 0; i < 5; i++ {
		tracker.Bullish(context.Background(), IndexKOSPI)
	}
	assert.Equal(t, 1, src.calls)
}

func TestRegimeFailOpenWithoutHistory(t *testing.T) {
	src := &fakeChartSource{err: errors.New("boom")}
	tracker := NewRegimeTracker(src, nil)
	assert.True(t, tracker.Bullish(context.Background(), IndexKOSPI), "no history yet, do not block entries")
}

func TestHealthyNeedsBothIndices(t *testing.T) {
	src := &fakeChartSource{candles: map[string][]models.Candle{
		IndexKOSPI:  flatThen(2700, 2800, 25),
		IndexKOSDAQ: flatThen(900, 850, 25),
	}}
	tracker := NewRegimeTracker(src, nil)
	assert.False(t, tracker.Healthy(context.Background()))
}
