package substack

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/metrics"
)

// ErrBreakerOpen is returned while the API breaker rejects calls.
var ErrBreakerOpen = errors.New("api circuit open")

// BreakerConfig tunes the API circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker; zero disables it.
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// PostSource fetches posts from the structured API.
type PostSource interface {
	Post(ctx context.Context, author, slug string) (crawler.Post, error)
}

// BreakerSource guards a PostSource with a circuit breaker. Only transient
// failures count against the breaker; a 404 or decode failure says nothing
// about the API's health.
type BreakerSource struct {
	source PostSource
	cb     *gobreaker.CircuitBreaker[crawler.Post]
}

// NewBreakerSource wraps source. A zero ConsecutiveFailures returns a
// pass-through wrapper.
func NewBreakerSource(source PostSource, cfg BreakerConfig, logger *zap.Logger) *BreakerSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &BreakerSource{source: source}
	if cfg.ConsecutiveFailures == 0 {
		return b
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	const name = "substack-api"
	metrics.SetBreakerState(name, int(gobreaker.StateClosed))
	b.cb = gobreaker.NewCircuitBreaker[crawler.Post](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !crawler.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("api breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerState(name, int(to))
		},
	})
	return b
}

// Post fetches through the breaker.
func (b *BreakerSource) Post(ctx context.Context, author, slug string) (crawler.Post, error) {
	if b.cb == nil {
		return b.source.Post(ctx, author, slug)
	}
	post, err := b.cb.Execute(func() (crawler.Post, error) {
		return b.source.Post(ctx, author, slug)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return crawler.Post{}, errors.Join(ErrBreakerOpen, err)
	}
	return post, err
}

// State reports the breaker state; closed when disabled.
func (b *BreakerSource) State() gobreaker.State {
	if b.cb == nil {
		return gobreaker.StateClosed
	}
	return b.cb.State()
}
