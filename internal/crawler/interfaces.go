package crawler

import (
	"context"
	"time"
)

// BlobStore writes rendered artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PostIndex records persisted posts in a queryable store.
type PostIndex interface {
	RecordPost(ctx context.Context, record PostRecord) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Converter renders post markup into text. It returns ErrConversion when the
// markup cannot be rendered.
type Converter interface {
	Convert(html string) (string, error)
}

// Gate bounds concurrent network use per host. fn runs while a slot is held.
type Gate interface {
	Do(ctx context.Context, host string, fn func() error) error
}

// Throttle paces outbound requests from observed outcomes.
type Throttle interface {
	Wait(ctx context.Context) error
	Report(outcome Outcome)
}

// HostLimiter paces requests to a single host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Hasher computes digests for cache keys and filenames.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Outcome is the signal a caller reports to the throttler after a request.
type Outcome int

// Outcome kinds.
const (
	Success Outcome = iota
	Transient
	Terminal
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}
