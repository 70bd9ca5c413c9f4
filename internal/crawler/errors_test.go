package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestStatusErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		code          int
		authenticated bool
		want          error
		outcome       Outcome
	}{
		{name: "rate limited", code: 429, want: ErrTransient, outcome: Transient},
		{name: "server error", code: 503, want: ErrTransient, outcome: Transient},
		{name: "forbidden with credentials", code: 403, authenticated: true, want: ErrUnauthorized, outcome: Terminal},
		{name: "unauthorized with credentials", code: 401, authenticated: true, want: ErrUnauthorized, outcome: Terminal},
		{name: "not found", code: 404, want: ErrNotFound, outcome: Success},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := fmt.Errorf("fetch post: %w", &StatusError{URL: "https://a.substack.com", StatusCode: tc.code, Authenticated: tc.authenticated})
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.outcome, Classify(err))
		})
	}
}

func TestStatusErrorForbiddenWithoutCredentialsIsPlainFailure(t *testing.T) {
	t.Parallel()

	err := &StatusError{URL: "https://a.substack.com", StatusCode: 403}
	require.NotErrorIs(t, err, ErrUnauthorized)
	require.False(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, IsTransient(fmt.Errorf("dial: %w", timeoutErr{})))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(errors.New("boom")))
	require.False(t, IsTransient(nil))
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(2)
	require.Equal(t, 3, p.MaxAttempts())
	require.True(t, p.ShouldRetry(ErrTransient, 0))
	require.True(t, p.ShouldRetry(ErrTransient, 1))
	require.False(t, p.ShouldRetry(ErrTransient, 2))
	require.False(t, p.ShouldRetry(ErrUnauthorized, 0))
	require.False(t, p.ShouldRetry(errors.New("parse"), 0))
	require.False(t, p.ShouldRetry(nil, 0))
	require.Equal(t, 1, NewRetryPolicy(-3).MaxAttempts())
}

func TestRunCounters(t *testing.T) {
	t.Parallel()

	var c RunCounters
	for _, o := range []TaskOutcome{OutcomeSuccess, OutcomeSkipped, OutcomeFailed, OutcomeAlreadySynced, TaskOutcome("unknown")} {
		c.Add(o)
	}
	require.Equal(t, RunCounters{Success: 1, Skipped: 1, Failed: 1, AlreadySynced: 1}, c)
	require.False(t, c.ExitFailure())
	require.True(t, RunCounters{Failed: 2}.ExitFailure())
	require.False(t, RunCounters{Skipped: 3}.ExitFailure())
}

func TestPostRefSyncKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "42", PostRef{ID: "42", Slug: "hello"}.SyncKey())
	require.Equal(t, "hello", PostRef{Slug: "hello"}.SyncKey())
}
