// Package substack speaks to a publication's public API and pages.
package substack

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultBaseURL is the publication origin; %s is replaced by the author handle.
const DefaultBaseURL = "https://%s.substack.com"

const platformSuffix = ".substack.com"

// ErrUnparseable is returned when a URL does not identify an author or post.
var ErrUnparseable = errors.New("unrecognized substack url")

// Endpoints builds the URLs for one publication.
type Endpoints struct {
	base string
}

// NewEndpoints returns endpoints rooted at base. base may contain one %s for
// the author handle; otherwise it is used verbatim.
func NewEndpoints(base string) Endpoints {
	if base == "" {
		base = DefaultBaseURL
	}
	return Endpoints{base: strings.TrimRight(base, "/")}
}

// Base returns the origin for author.
func (e Endpoints) Base(author string) string {
	if strings.Contains(e.base, "%s") {
		return fmt.Sprintf(e.base, author)
	}
	return e.base
}

// Post is the public URL of a post.
func (e Endpoints) Post(author, slug string) string {
	return e.Base(author) + "/p/" + url.PathEscape(slug)
}

// PostAPI is the structured endpoint for one post.
func (e Endpoints) PostAPI(author, slug string) string {
	return e.Base(author) + "/api/v1/posts/" + url.PathEscape(slug)
}

// ArchiveAPI is one page of the archive listing, newest first.
func (e Endpoints) ArchiveAPI(author string, offset, limit int) string {
	q := url.Values{}
	q.Set("sort", "new")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	return e.Base(author) + "/api/v1/archive?" + q.Encode()
}

// CommentsAPI lists every comment of a post, oldest first.
func (e Endpoints) CommentsAPI(author, postID string) string {
	q := url.Values{}
	q.Set("all_comments", "true")
	q.Set("sort", "oldest_first")
	return e.Base(author) + "/api/v1/post/" + url.PathEscape(postID) + "/comments?" + q.Encode()
}

// Sitemap is the publication sitemap.
func (e Endpoints) Sitemap(author string) string {
	return e.Base(author) + "/sitemap.xml"
}

// Feed is the publication RSS feed.
func (e Endpoints) Feed(author string) string {
	return e.Base(author) + "/feed"
}

// Archive is the rendered archive page.
func (e Endpoints) Archive(author string) string {
	return e.Base(author) + "/archive"
}

// ParseAuthor extracts the author handle from a publication URL.
func ParseAuthor(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if !strings.HasSuffix(host, platformSuffix) {
		return "", fmt.Errorf("%q: %w", rawURL, ErrUnparseable)
	}
	author := strings.TrimSuffix(host, platformSuffix)
	author = strings.TrimPrefix(author, "www.")
	if author == "" || strings.Contains(author, ".") {
		return "", fmt.Errorf("%q: %w", rawURL, ErrUnparseable)
	}
	return author, nil
}

// ParseSlug extracts the post slug from a /p/<slug> URL.
func ParseSlug(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", rawURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "p" && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("%q: %w", rawURL, ErrUnparseable)
}

// NormalizeAuthor accepts a bare handle or any publication URL.
func NormalizeAuthor(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("author is required")
	}
	if !strings.Contains(input, "/") && !strings.Contains(input, ".") {
		return strings.ToLower(input), nil
	}
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}
	return ParseAuthor(input)
}

// SameHostPost reports whether link is a post on the same host as base.
func SameHostPost(base, link string) bool {
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	l, err := url.Parse(link)
	if err != nil {
		return false
	}
	if !strings.EqualFold(b.Host, l.Host) {
		return false
	}
	_, err = ParseSlug(link)
	return err == nil
}
