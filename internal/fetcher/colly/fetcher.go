// Package collyfetcher implements the substack transport using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps response bodies in bytes; zero keeps colly's default.
	MaxBodySize int
}

// Fetcher issues GETs through a colly collector bound to a shared transport.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher on transport, normally the connection pool's. A nil
// transport falls back to http.DefaultTransport.
func New(cfg Config, transport http.RoundTripper) *Fetcher {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	// Non-2xx responses reach OnResponse so callers can classify the status.
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(ctx, request, time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

// FetchSitemap fetches a sitemap and collects its <url> entries. Sitemap
// indexes are followed one level at a time until only url sets remain.
func (f *Fetcher) FetchSitemap(
	ctx context.Context,
	request crawler.FetchRequest,
) ([]crawler.SitemapEntry, crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
		entries  []crawler.SitemapEntry
	)
	collector := f.buildCollector(ctx, request, time.Now(), &result, &fetchErr)
	collector.OnXML("//urlset/url", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.ChildText("loc"))
		if loc == "" {
			return
		}
		entries = append(entries, crawler.SitemapEntry{
			Loc:     loc,
			LastMod: strings.TrimSpace(e.ChildText("lastmod")),
		})
	})
	collector.OnXML("//sitemapindex/sitemap", func(e *colly.XMLElement) {
		if loc := strings.TrimSpace(e.ChildText("loc")); loc != "" {
			_ = e.Request.Visit(loc)
		}
	})
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return nil, crawler.FetchResponse{}, err
	}
	return entries, result, nil
}

// FetchLinks fetches an HTML page and returns the absolute href of every
// element matching selector.
func (f *Fetcher) FetchLinks(
	ctx context.Context,
	request crawler.FetchRequest,
	selector string,
) ([]string, crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
		links    []string
	)
	collector := f.buildCollector(ctx, request, time.Now(), &result, &fetchErr)
	collector.OnHTML(selector, func(e *colly.HTMLElement) {
		if href := e.Request.AbsoluteURL(e.Attr("href")); href != "" {
			links = append(links, href)
		}
	})
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return nil, crawler.FetchResponse{}, err
	}
	return links, result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		// Nested sitemap visits must not overwrite the root response.
		if result.StatusCode != 0 {
			return
		}
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		if *fetchErr == nil {
			*fetchErr = err
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}
