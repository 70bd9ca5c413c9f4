// Package datefilter tests post dates against an inclusive window.
package datefilter

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

// Layout is the date-only bound format.
const Layout = "2006-01-02"

// Filter is an inclusive date window. Either bound may be absent.
type Filter struct {
	start *time.Time
	end   *time.Time
}

// New parses the bounds once. A malformed bound is dropped with a warning
// and the other bound still applies. The end bound covers its whole day.
func New(start, end string, logger *zap.Logger) Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	var f Filter
	if t, ok := parseBound(start, "start", logger); ok {
		f.start = &t
	}
	if t, ok := parseBound(end, "end", logger); ok {
		t = endOfDay(t)
		f.end = &t
	}
	return f
}

func parseBound(raw, name string, logger *zap.Logger) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(Layout, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	logger.Warn("ignoring malformed date bound", zap.String("bound", name), zap.String("value", raw))
	return time.Time{}, false
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// InRange reports whether date falls inside the window. An unknown date is
// always in range.
func (f Filter) InRange(date *time.Time) bool {
	if date == nil {
		return true
	}
	if f.start != nil && date.Before(*f.start) {
		return false
	}
	if f.end != nil && date.After(*f.end) {
		return false
	}
	return true
}

// Start returns the lower bound, if any.
func (f Filter) Start() (time.Time, bool) {
	if f.start == nil {
		return time.Time{}, false
	}
	return *f.start, true
}

// End returns the normalized upper bound, if any.
func (f Filter) End() (time.Time, bool) {
	if f.end == nil {
		return time.Time{}, false
	}
	return *f.end, true
}

// Unbounded reports whether the filter accepts every date.
func (f Filter) Unbounded() bool {
	return f.start == nil && f.end == nil
}
