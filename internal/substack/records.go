package substack

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

var validate = validator.New()

// flexID decodes ids that arrive as numbers, strings or null.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type bylineRecord struct {
	Name     string `json:"name"`
	Handle   string `json:"handle"`
	Bio      string `json:"bio"`
	PhotoURL string `json:"photo_url"`
}

// postRecord is the post payload of /api/v1/posts/<slug> and /api/v1/archive.
type postRecord struct {
	ID           flexID         `json:"id" validate:"required"`
	Slug         string         `json:"slug" validate:"required"`
	Title        string         `json:"title"`
	Subtitle     string         `json:"subtitle"`
	PostDate     string         `json:"post_date"`
	CanonicalURL string         `json:"canonical_url"`
	BodyHTML     string         `json:"body_html"`
	Audience     string         `json:"audience"`
	Bylines      []bylineRecord `json:"publishedBylines"`
}

func (r postRecord) toPost(author string, e Endpoints) crawler.Post {
	post := crawler.Post{
		ID:          string(r.ID),
		Slug:        r.Slug,
		Title:       strings.TrimSpace(r.Title),
		Subtitle:    strings.TrimSpace(r.Subtitle),
		Date:        ParseDate(r.PostDate),
		Author:      author,
		URL:         r.CanonicalURL,
		ContentHTML: r.BodyHTML,
		Audience:    r.Audience,
		Source:      crawler.PathAPI,
	}
	if post.URL == "" {
		post.URL = e.Post(author, r.Slug)
	}
	if post.Audience == "" {
		post.Audience = "everyone"
	}
	for _, b := range r.Bylines {
		post.Bylines = append(post.Bylines, crawler.Byline{
			Handle:   b.Handle,
			Name:     b.Name,
			Bio:      b.Bio,
			PhotoURL: b.PhotoURL,
		})
	}
	return post
}

type commenterRecord struct {
	Name string `json:"name"`
}

// commentRecord accepts both the flat shape (parent_id, commenter.name,
// created_at) and the nested shape (children, name, date).
type commentRecord struct {
	ID        flexID          `json:"id" validate:"required"`
	ParentID  flexID          `json:"parent_id"`
	Body      string          `json:"body"`
	Date      string          `json:"date"`
	CreatedAt string          `json:"created_at"`
	Name      string          `json:"name"`
	Commenter commenterRecord `json:"commenter"`
	Children  []commentRecord `json:"children"`
}

type commentsEnvelope struct {
	Comments []commentRecord `json:"comments"`
}

func (r commentRecord) author() string {
	switch {
	case r.Commenter.Name != "":
		return r.Commenter.Name
	case r.Name != "":
		return r.Name
	default:
		return "Anonymous"
	}
}

func (r commentRecord) date() string {
	if r.Date != "" {
		return r.Date
	}
	return r.CreatedAt
}

// flatten appends r and its nested children in pre-order. Children without
// an explicit parent inherit the enclosing comment as parent. Replies to a
// record without an id keep the enclosing parent.
func flatten(records []commentRecord, parent string, out []crawler.Comment) []crawler.Comment {
	for _, r := range records {
		if validate.Struct(r) != nil {
			out = flatten(r.Children, parent, out)
			continue
		}
		pid := string(r.ParentID)
		if pid == "" {
			pid = parent
		}
		out = append(out, crawler.Comment{
			ID:       string(r.ID),
			ParentID: pid,
			Author:   r.author(),
			Date:     r.date(),
			Body:     r.Body,
		})
		out = flatten(r.Children, string(r.ID), out)
	}
	return out
}

func decodePost(body []byte, author string, e Endpoints) (crawler.Post, error) {
	var rec postRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return crawler.Post{}, fmt.Errorf("decode post: %w", err)
	}
	if err := validate.Struct(rec); err != nil {
		return crawler.Post{}, fmt.Errorf("validate post: %w", err)
	}
	return rec.toPost(author, e), nil
}

func decodeArchive(body []byte, author string, e Endpoints) ([]crawler.Post, error) {
	var recs []postRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	posts := make([]crawler.Post, 0, len(recs))
	for _, rec := range recs {
		if err := validate.Struct(rec); err != nil {
			continue
		}
		posts = append(posts, rec.toPost(author, e))
	}
	return posts, nil
}

func decodeComments(body []byte) ([]crawler.Comment, error) {
	trimmed := bytes.TrimSpace(body)
	var recs []commentRecord
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, fmt.Errorf("decode comments: %w", err)
		}
	} else {
		var env commentsEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("decode comments: %w", err)
		}
		recs = env.Comments
	}
	return flatten(recs, "", nil), nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
	"Jan 2, 2006",
}

// ParseDate parses the date formats seen in API payloads, feeds, sitemaps
// and page metadata. It returns nil when s is empty or unrecognized.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(unix, 0).UTC()
		return &t
	}
	return nil
}
