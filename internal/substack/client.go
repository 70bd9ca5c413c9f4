package substack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/metrics"
)

// Fetch kinds used for metrics and block-page detection.
const (
	KindAPI     = "api"
	KindPage    = "page"
	KindSitemap = "sitemap"
	KindFeed    = "feed"
	KindArchive = "archive"
	KindImage   = "image"
)

// Fetcher is the transport the client drives. FetchSitemap and FetchLinks
// parse while fetching and still return the raw response for status checks.
type Fetcher interface {
	crawler.Fetcher
	FetchSitemap(ctx context.Context, request crawler.FetchRequest) ([]crawler.SitemapEntry, crawler.FetchResponse, error)
	FetchLinks(ctx context.Context, request crawler.FetchRequest, selector string) ([]string, crawler.FetchResponse, error)
}

// Config carries per-run client settings.
type Config struct {
	// Token is the session cookie value; empty means anonymous.
	Token   string
	BaseURL string
}

// Client issues single, paced attempts against one publication host. Retrying
// is left to the caller.
type Client struct {
	cfg       Config
	endpoints Endpoints
	fetcher   Fetcher
	gate      crawler.Gate
	throttle  crawler.Throttle
	feeds     *gofeed.Parser
	logger    *zap.Logger
}

// NewClient wires a client. gate and throttle may be nil in tests.
func NewClient(cfg Config, fetcher Fetcher, gate crawler.Gate, throttle crawler.Throttle, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		endpoints: NewEndpoints(cfg.BaseURL),
		fetcher:   fetcher,
		gate:      gate,
		throttle:  throttle,
		feeds:     gofeed.NewParser(),
		logger:    logger,
	}
}

// Endpoints exposes the URL builder used by the client.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// Authenticated reports whether requests carry a session token.
func (c *Client) Authenticated() bool {
	return c.cfg.Token != ""
}

func (c *Client) headers(kind string) http.Header {
	h := http.Header{}
	if kind == KindAPI {
		h.Set("Accept", "application/json")
	}
	if c.cfg.Token != "" {
		h.Set("Cookie", "substack.sid="+c.cfg.Token)
	}
	return h
}

// do runs one attempt: throttle, pool slot, fetch, classification, feedback.
func (c *Client) do(
	ctx context.Context,
	kind, rawURL string,
	fetch func(crawler.FetchRequest) (crawler.FetchResponse, error),
) (crawler.FetchResponse, error) {
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("throttle wait: %w", err)
		}
	}

	req := crawler.FetchRequest{URL: rawURL, Headers: c.headers(kind)}
	var resp crawler.FetchResponse
	run := func() error {
		var err error
		resp, err = fetch(req)
		return err
	}
	var err error
	if c.gate != nil {
		err = c.gate.Do(ctx, hostOf(rawURL), run)
	} else {
		err = run()
	}
	if err == nil {
		err = c.check(kind, rawURL, resp)
	}

	status := "error"
	if resp.StatusCode != 0 {
		status = strconv.Itoa(resp.StatusCode)
	}
	metrics.ObserveFetch(kind, status, len(resp.Body))

	if c.throttle != nil && ctx.Err() == nil {
		c.throttle.Report(crawler.Classify(err))
	}
	if err != nil {
		c.logger.Debug("fetch failed",
			zap.String("kind", kind),
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
	}
	return resp, err
}

func (c *Client) check(kind, rawURL string, resp crawler.FetchResponse) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &crawler.StatusError{URL: rawURL, StatusCode: resp.StatusCode, Authenticated: c.Authenticated()}
	}
	if kind == KindPage && IsBlockPage(resp.Body) {
		return fmt.Errorf("block page at %s: %w", rawURL, crawler.ErrTransient)
	}
	return nil
}

func (c *Client) get(ctx context.Context, kind, rawURL string) (crawler.FetchResponse, error) {
	return c.do(ctx, kind, rawURL, func(req crawler.FetchRequest) (crawler.FetchResponse, error) {
		return c.fetcher.Fetch(ctx, req)
	})
}

// Post fetches one post from the structured API.
func (c *Client) Post(ctx context.Context, author, slug string) (crawler.Post, error) {
	resp, err := c.get(ctx, KindAPI, c.endpoints.PostAPI(author, slug))
	if err != nil {
		return crawler.Post{}, err
	}
	return decodePost(resp.Body, author, c.endpoints)
}

// Archive fetches one page of the archive listing.
func (c *Client) Archive(ctx context.Context, author string, offset, limit int) ([]crawler.Post, error) {
	resp, err := c.get(ctx, KindAPI, c.endpoints.ArchiveAPI(author, offset, limit))
	if err != nil {
		return nil, err
	}
	return decodeArchive(resp.Body, author, c.endpoints)
}

// Comments fetches every comment of a post as a flat list.
func (c *Client) Comments(ctx context.Context, author, postID string) ([]crawler.Comment, error) {
	resp, err := c.get(ctx, KindAPI, c.endpoints.CommentsAPI(author, postID))
	if err != nil {
		return nil, err
	}
	return decodeComments(resp.Body)
}

// Page fetches the rendered HTML of a URL. Block pages are transient errors.
func (c *Client) Page(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.get(ctx, KindPage, rawURL)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Image downloads an image and returns its bytes and content type.
func (c *Client) Image(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := c.get(ctx, KindImage, rawURL)
	if err != nil {
		return nil, "", err
	}
	contentType := ""
	if resp.Headers != nil {
		contentType = resp.Headers.Get("Content-Type")
	}
	return resp.Body, contentType, nil
}

// Sitemap lists the posts in the publication sitemap, using lastmod as date.
func (c *Client) Sitemap(ctx context.Context, author string) ([]crawler.PostRef, error) {
	var entries []crawler.SitemapEntry
	_, err := c.do(ctx, KindSitemap, c.endpoints.Sitemap(author), func(req crawler.FetchRequest) (crawler.FetchResponse, error) {
		found, resp, err := c.fetcher.FetchSitemap(ctx, req)
		entries = found
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	base := c.endpoints.Base(author)
	refs := make([]crawler.PostRef, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		loc := strings.TrimSpace(e.Loc)
		if !SameHostPost(base, loc) {
			continue
		}
		ref, ok := refFromLink(loc, seen)
		if !ok {
			continue
		}
		ref.Date = ParseDate(e.LastMod)
		refs = append(refs, ref)
	}
	return refs, nil
}

// Feed lists the posts in the RSS feed together with publication metadata.
func (c *Client) Feed(ctx context.Context, author string) ([]crawler.PostRef, crawler.Newsletter, error) {
	resp, err := c.get(ctx, KindFeed, c.endpoints.Feed(author))
	if err != nil {
		return nil, crawler.Newsletter{}, err
	}
	feed, err := c.feeds.ParseString(string(resp.Body))
	if err != nil {
		return nil, crawler.Newsletter{}, fmt.Errorf("parse feed: %w", err)
	}
	newsletter := crawler.Newsletter{
		Author:      author,
		Title:       feed.Title,
		Description: feed.Description,
		Link:        feed.Link,
	}
	if feed.Image != nil {
		newsletter.ImageURL = feed.Image.URL
	}

	base := c.endpoints.Base(author)
	seen := make(map[string]struct{}, len(feed.Items))
	refs := make([]crawler.PostRef, 0, len(feed.Items))
	for _, item := range feed.Items {
		link := resolve(base, item.Link)
		if !SameHostPost(base, link) {
			continue
		}
		ref, ok := refFromLink(link, seen)
		if !ok {
			continue
		}
		switch {
		case item.PublishedParsed != nil:
			t := item.PublishedParsed.UTC()
			ref.Date = &t
		case item.UpdatedParsed != nil:
			t := item.UpdatedParsed.UTC()
			ref.Date = &t
		}
		refs = append(refs, ref)
	}
	return refs, newsletter, nil
}

// ArchiveLinks scrapes post links from the rendered archive page. Dates are
// unknown on this path.
func (c *Client) ArchiveLinks(ctx context.Context, author string) ([]crawler.PostRef, error) {
	var links []string
	_, err := c.do(ctx, KindArchive, c.endpoints.Archive(author), func(req crawler.FetchRequest) (crawler.FetchResponse, error) {
		found, resp, err := c.fetcher.FetchLinks(ctx, req, ArchiveLinkSelector)
		links = found
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	base := c.endpoints.Base(author)
	seen := make(map[string]struct{}, len(links))
	refs := make([]crawler.PostRef, 0, len(links))
	for _, l := range links {
		link := resolve(base, l)
		if !SameHostPost(base, link) {
			continue
		}
		if ref, ok := refFromLink(link, seen); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func refFromLink(link string, seen map[string]struct{}) (crawler.PostRef, bool) {
	slug, err := ParseSlug(link)
	if err != nil {
		return crawler.PostRef{}, false
	}
	if _, dup := seen[slug]; dup {
		return crawler.PostRef{}, false
	}
	seen[slug] = struct{}{}
	u, _ := url.Parse(link)
	u.RawQuery = ""
	u.Fragment = ""
	return crawler.PostRef{Slug: slug, URL: u.String()}, true
}

func resolve(base, link string) string {
	b, err := url.Parse(base)
	if err != nil {
		return link
	}
	ref, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return link
	}
	return b.ResolveReference(ref).String()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Host)
}

// IsMissingAuth reports whether err is an anonymous 401/403, which callers
// treat as a reason to fall back rather than abort.
func IsMissingAuth(err error) bool {
	var se *crawler.StatusError
	if !errors.As(err, &se) || se.Authenticated {
		return false
	}
	return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
}
