package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

func newTestThrottler(cfg Config) *Throttler {
	return New(cfg, zap.NewNop())
}

func TestTransientMovesTowardMax(t *testing.T) {
	t.Parallel()

	th := newTestThrottler(Config{MinDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	th.Report(crawler.Transient)
	require.Equal(t, 200*time.Millisecond, th.Current())
	for range 10 {
		th.Report(crawler.Transient)
	}
	require.Equal(t, time.Second, th.Current())
}

func TestTransientFromZeroMinStillGrows(t *testing.T) {
	t.Parallel()

	th := newTestThrottler(Config{MinDelay: 0, MaxDelay: time.Second})
	require.Zero(t, th.Current())
	th.Report(crawler.Transient)
	require.Equal(t, growthFloor, th.Current())
}

func TestSuccessRunDecaysTowardMin(t *testing.T) {
	t.Parallel()

	th := newTestThrottler(Config{MinDelay: 100 * time.Millisecond, MaxDelay: 1600 * time.Millisecond, DecayAfter: 3})
	for range 5 {
		th.Report(crawler.Transient)
	}
	require.Equal(t, 1600*time.Millisecond, th.Current())

	th.Report(crawler.Success)
	th.Report(crawler.Success)
	require.Equal(t, 1600*time.Millisecond, th.Current(), "decay needs a full run of successes")
	th.Report(crawler.Success)
	require.Equal(t, 800*time.Millisecond, th.Current())

	for range 30 {
		th.Report(crawler.Success)
	}
	require.Equal(t, 100*time.Millisecond, th.Current())
}

func TestTransientResetsSuccessStreak(t *testing.T) {
	t.Parallel()

	th := newTestThrottler(Config{MinDelay: 100 * time.Millisecond, MaxDelay: time.Second, DecayAfter: 2})
	th.Report(crawler.Transient) // 200ms
	th.Report(crawler.Success)
	th.Report(crawler.Transient) // 400ms, streak reset
	th.Report(crawler.Success)
	require.Equal(t, 400*time.Millisecond, th.Current())
}

func TestTerminalLeavesDelayUntouched(t *testing.T) {
	t.Parallel()

	th := newTestThrottler(Config{MinDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	th.Report(crawler.Transient)
	before := th.Current()
	for range 10 {
		th.Report(crawler.Terminal)
	}
	require.Equal(t, before, th.Current())
}

func TestNextDelayStaysInsideBound(t *testing.T) {
	t.Parallel()

	th := newTestThrottler(Config{MinDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5})
	for range 3 {
		th.Report(crawler.Transient)
	}
	current := th.Current()
	for range 200 {
		d := th.NextDelay()
		require.GreaterOrEqual(t, d, current/2)
		require.LessOrEqual(t, d, current)
	}

	th.randFloat = func() float64 { return 0.999999 }
	require.GreaterOrEqual(t, th.NextDelay(), 100*time.Millisecond)
	th.randFloat = func() float64 { return 0 }
	require.Equal(t, current, th.NextDelay())
}

func TestWaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	th := newTestThrottler(Config{MinDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, th.Wait(ctx), context.Canceled)
}

func TestWaitUsesComputedDelay(t *testing.T) {
	t.Parallel()

	th := newTestThrottler(Config{MinDelay: 300 * time.Millisecond, MaxDelay: time.Second})
	var slept time.Duration
	th.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	require.NoError(t, th.Wait(context.Background()))
	require.Equal(t, 300*time.Millisecond, slept)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{MinDelay: 2 * time.Second, MaxDelay: time.Second}.withDefaults()
	require.Equal(t, time.Second, cfg.MinDelay)
	require.Equal(t, 2.0, cfg.BackoffFactor)
	require.Equal(t, 0.5, cfg.DecayFactor)
	require.Equal(t, 5, cfg.DecayAfter)
}
