package crawler

import "errors"

// RetryPolicy decides whether a failed attempt is repeated. Waiting between
// attempts is delegated to the Throttle.
type RetryPolicy struct {
	maxRetries int
}

// NewRetryPolicy builds a policy allowing maxRetries repeats after the first attempt.
func NewRetryPolicy(maxRetries int) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryPolicy{maxRetries: maxRetries}
}

// MaxAttempts is the total number of attempts including the first.
func (p RetryPolicy) MaxAttempts() int {
	return p.maxRetries + 1
}

// ShouldRetry decides whether the error is retryable after attempt (zero-based).
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxRetries {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	return IsTransient(err)
}
