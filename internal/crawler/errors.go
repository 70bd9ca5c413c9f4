package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx, 429 and block pages.
	ErrTransient = errors.New("transient failure")
	// ErrUnauthorized marks rejected credentials. It aborts the run.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConversion is returned by a Converter that cannot render markup.
	ErrConversion = errors.New("conversion failed")
	// ErrNotFound marks content that does not exist remotely.
	ErrNotFound = errors.New("not found")
)

// StatusError reports a non-2xx response. Unwrap exposes its class so callers
// can use errors.Is against ErrTransient, ErrUnauthorized and ErrNotFound.
type StatusError struct {
	URL        string
	StatusCode int
	// Authenticated is set when the request carried credentials; only then is
	// a 401/403 treated as a credential failure.
	Authenticated bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Unwrap maps the status code onto a sentinel.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return ErrTransient
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		if e.Authenticated {
			return ErrUnauthorized
		}
		return nil
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Classify maps an error onto the throttler signal it should produce.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrUnauthorized):
		return Terminal
	case IsTransient(err):
		return Transient
	default:
		return Success
	}
}
