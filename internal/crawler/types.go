// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// TaskOutcome is the terminal state of one candidate post in a run.
type TaskOutcome string

// Task outcome values aggregated into RunCounters.
const (
	OutcomeSuccess       TaskOutcome = "success"
	OutcomeSkipped       TaskOutcome = "skipped"
	OutcomeFailed        TaskOutcome = "failed"
	OutcomeAlreadySynced TaskOutcome = "already_synced"
)

// FetchPath records which fetch path produced a post.
type FetchPath string

// Fetch paths in order of preference.
const (
	PathAPI  FetchPath = "api"
	PathHTML FetchPath = "html"
)

// PostRef is a discovered candidate post, before any content is fetched.
type PostRef struct {
	ID   string     `json:"id,omitempty"`
	Slug string     `json:"slug"`
	URL  string     `json:"url"`
	Date *time.Time `json:"date,omitempty"`
}

// SyncKey returns the identifier recorded in sync state for the candidate.
// Candidates discovered without a remote id fall back to their slug.
func (r PostRef) SyncKey() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Slug
}

// Post is a fully fetched post owned by the orchestrator for one fetch.
type Post struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Subtitle    string     `json:"subtitle,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
	Author      string     `json:"author"`
	URL         string     `json:"url"`
	ContentHTML string     `json:"content_html"`
	Audience    string     `json:"audience,omitempty"`
	Comments    []Comment  `json:"comments,omitempty"`
	Source      FetchPath  `json:"source,omitempty"`
	Bylines     []Byline   `json:"bylines,omitempty"`
}

// Ref converts a post into its candidate form.
func (p Post) Ref() PostRef {
	return PostRef{ID: p.ID, Slug: p.Slug, URL: p.URL, Date: p.Date}
}

// Paywalled reports whether the post is restricted to paying subscribers.
func (p Post) Paywalled() bool {
	return p.Audience != "" && p.Audience != "everyone"
}

// Byline describes a credited author of a post.
type Byline struct {
	Handle   string `json:"handle"`
	Name     string `json:"name"`
	Bio      string `json:"bio,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// Comment is one flat comment record as returned by the comments endpoint.
type Comment struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Author   string `json:"author"`
	Date     string `json:"date"`
	Body     string `json:"body"`
}

// Newsletter holds publication-level metadata.
type Newsletter struct {
	Author      string `json:"author"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// RunCounters aggregates task outcomes for one run.
type RunCounters struct {
	Success       int `json:"success"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	AlreadySynced int `json:"already_synced"`
}

// Add folds one outcome into the counters.
func (c *RunCounters) Add(outcome TaskOutcome) {
	switch outcome {
	case OutcomeSuccess:
		c.Success++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeFailed:
		c.Failed++
	case OutcomeAlreadySynced:
		c.AlreadySynced++
	}
}

// Attempted is the number of tasks that reached the fetch stage.
func (c RunCounters) Attempted() int {
	return c.Success + c.Failed
}

// ExitFailure reports whether the run should surface a non-zero exit.
func (c RunCounters) ExitFailure() bool {
	return c.Success == 0 && c.Attempted() > 0
}

// FetchRequest describes a single outbound GET.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse captures the fetched payload and metadata.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// SitemapEntry is one <url> element of a sitemap.
type SitemapEntry struct {
	Loc     string
	LastMod string
}

// PostRecord is the row written to the post index after a successful persist.
// It doubles as the mirrored-post notification payload.
type PostRecord struct {
	RunID     string     `json:"run_id"`
	Author    string     `json:"author"`
	PostID    string     `json:"post_id"`
	Slug      string     `json:"slug"`
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	Published *time.Time `json:"published,omitempty"`
	BlobURI   string     `json:"blob_uri"`
	Source    FetchPath  `json:"source"`
	Images    int        `json:"images"`
	Comments  int        `json:"comments"`
	SyncedAt  time.Time  `json:"synced_at"`
}
