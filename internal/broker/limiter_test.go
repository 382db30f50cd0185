package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterThrottleWidensInterval(t *testing.T) {
	l := NewAdaptiveLimiter()
	start := l.Interval()

	widened := l.ReportThrottle()
	assert.Equal(t, time.Duration(float64(start)*throttlePenalty), widened)

	for i := 0; i < 20; i++ {
		l.ReportThrottle()
	}
	assert.Equal(t, maxCallInterval, l.Interval(), "penalty clamps at max")
}

func TestLimiterSuccessDecaysToFloor(t *testing.T) {
	l := NewAdaptiveLimiter()
	for i := 0; i < 10; i++ {
		l.ReportThrottle()
	}
	for i := 0; i < 200; i++ {
		l.ReportSuccess()
	}
	assert.Equal(t, minCallInterval, l.Interval(), "decay clamps at min")
}

func TestLimiterWaitSpacesCalls(t *testing.T) {
	l := NewAdaptiveLimiter()
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, initialCallInterval-50*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewAdaptiveLimiter()
	for i := 0; i < 10; i++ {
		l.ReportThrottle()
	}
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
