package substack

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/hash/sha256"
)

// ErrNoContent is returned when a page has no recognizable post body.
var ErrNoContent = errors.New("no post content found")

// ArchiveLinkSelector matches post links on the rendered archive page.
const ArchiveLinkSelector = `a[href*="/p/"]`

var bodySelectors = []string{
	"div.available-content div.body.markup",
	"div.body.markup",
	"div.body",
	"article",
}

var blockSignatures = []string{
	"just a moment...",
	"cf-challenge",
	"cf-browser-verification",
	"captcha",
	"access denied",
}

var trackingPattern = regexp.MustCompile(`(?i)(pixel|tracking|analytics|beacon|1x1|spacer|/open\?|/o\.gif)`)

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ExtractPost pulls a post out of its rendered page.
func ExtractPost(page []byte, pageURL, author string) (crawler.Post, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return crawler.Post{}, fmt.Errorf("parse page: %w", err)
	}

	var body *goquery.Selection
	for _, sel := range bodySelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			body = s
			break
		}
	}
	if body == nil {
		return crawler.Post{}, fmt.Errorf("%s: %w", pageURL, ErrNoContent)
	}
	content, err := goquery.OuterHtml(body)
	if err != nil {
		return crawler.Post{}, fmt.Errorf("render body: %w", err)
	}

	post := crawler.Post{
		Title:       firstText(doc, "h1.post-title", "h1"),
		Subtitle:    firstText(doc, "h3.subtitle", "h2.subtitle"),
		Author:      author,
		URL:         pageURL,
		ContentHTML: content,
		Audience:    "everyone",
		Source:      crawler.PathHTML,
	}
	if post.Title == "" {
		post.Title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
	}
	if slug, err := ParseSlug(pageURL); err == nil {
		post.Slug = slug
	}
	post.Date = ParseDate(pageDate(doc))
	if doc.Find("div.paywall, .paywall-title").Length() > 0 {
		post.Audience = "only_paid"
	}
	return post, nil
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func pageDate(doc *goquery.Document) string {
	if v, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok && v != "" {
		return v
	}
	for _, sel := range []string{
		`meta[property="article:published_time"]`,
		`meta[name="article:published_time"]`,
		`meta[itemprop="datePublished"]`,
	} {
		if v, ok := doc.Find(sel).First().Attr("content"); ok && v != "" {
			return v
		}
	}
	return ""
}

// IsBlockPage reports whether page is an anti-bot interstitial rather than content.
func IsBlockPage(page []byte) bool {
	head := page
	if len(head) > 4096 {
		head = head[:4096]
	}
	lower := strings.ToLower(string(head))
	for _, sig := range blockSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// ExtractImages lists the distinct absolute image URLs referenced by content,
// skipping inline data and tracking pixels.
func ExtractImages(content, baseURL string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(baseURL)
	seen := make(map[string]struct{})
	var out []string
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			src, _ = s.Attr("data-src")
		}
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(src, "data:") || trackingPattern.MatchString(src) {
			return
		}
		if w, ok := s.Attr("width"); ok && w == "1" {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return
		}
		abs := ref.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// ImageFilename derives a stable local filename for an image URL: its
// basename when it has an extension, otherwise a digest of the URL.
func ImageFilename(rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
		// CDN fetch URLs embed the origin URL escaped in the last segment.
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = path.Base(unescaped)
		}
	}
	name = unsafeFilename.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == "/" || path.Ext(name) == "" || len(name) > 120 {
		return sha256.Short(rawURL, 10) + ".jpg"
	}
	return name
}
