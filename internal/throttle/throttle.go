// Package throttle paces outbound requests from observed outcomes.
package throttle

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/metrics"
)

// growthFloor is the smallest delay a transient failure backs off to when
// MinDelay is zero.
const growthFloor = 100 * time.Millisecond

// Config bounds the adaptive delay.
type Config struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	DecayFactor   float64
	// DecayAfter is the run of consecutive successes that triggers one decay step.
	DecayAfter int
	// Jitter is the fraction of the current delay that may be shaved off at random.
	Jitter float64
}

// DefaultConfig returns the stock pacing profile.
func DefaultConfig() Config {
	return Config{
		MinDelay:      500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2,
		DecayFactor:   0.5,
		DecayAfter:    5,
		Jitter:        0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MinDelay > c.MaxDelay {
		c.MinDelay = c.MaxDelay
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = d.DecayFactor
	}
	if c.DecayAfter <= 0 {
		c.DecayAfter = d.DecayAfter
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = d.Jitter
	}
	return c
}

// Throttler holds the current delay bound shared by every caller.
type Throttler struct {
	cfg     Config
	mu      sync.Mutex
	current time.Duration
	streak  int
	// randFloat returns a value in [0, 1); swapped in tests.
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// New creates a Throttler starting at MinDelay.
func New(cfg Config, logger *zap.Logger) *Throttler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Throttler{
		cfg:       cfg,
		current:   cfg.MinDelay,
		randFloat: rand.Float64,
		sleep:     pause,
		logger:    logger,
	}
}

// Current returns the upper bound used for the next delay.
func (t *Throttler) Current() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// NextDelay returns a jittered delay in [current*(1-Jitter), current],
// never below MinDelay.
func (t *Throttler) NextDelay() time.Duration {
	t.mu.Lock()
	current := t.current
	t.mu.Unlock()

	shave := time.Duration(float64(current) * t.cfg.Jitter * t.randFloat())
	delay := current - shave
	if delay < t.cfg.MinDelay {
		delay = t.cfg.MinDelay
	}
	return delay
}

// Wait sleeps for NextDelay or until ctx is done.
func (t *Throttler) Wait(ctx context.Context) error {
	delay := t.NextDelay()
	metrics.ObserveThrottleDelay(delay)
	if delay <= 0 {
		return ctx.Err()
	}
	return t.sleep(ctx, delay)
}

// Report adjusts the bound from the outcome of the last request.
func (t *Throttler) Report(outcome crawler.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.current
	switch outcome {
	case crawler.Transient:
		t.streak = 0
		next := time.Duration(float64(t.current) * t.cfg.BackoffFactor)
		if floor := max(t.cfg.MinDelay, growthFloor); next < floor {
			next = floor
		}
		t.current = min(next, t.cfg.MaxDelay)
	case crawler.Success:
		t.streak++
		if t.streak < t.cfg.DecayAfter {
			return
		}
		t.streak = 0
		t.current = max(time.Duration(float64(t.current)*t.cfg.DecayFactor), t.cfg.MinDelay)
	case crawler.Terminal:
		return
	}
	if t.current != before {
		metrics.SetThrottleCurrent(t.current)
		t.logger.Debug("throttle adjusted",
			zap.Stringer("outcome", outcome),
			zap.Duration("from", before),
			zap.Duration("to", t.current),
		)
	}
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
