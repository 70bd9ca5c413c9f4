package render

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

// ImagesDir is the per-author directory holding mirrored images.
const ImagesDir = "images"

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FrontMatter is the YAML header of a mirrored post.
type FrontMatter struct {
	Title    string   `yaml:"title"`
	Subtitle string   `yaml:"subtitle,omitempty"`
	Author   string   `yaml:"author"`
	Date     string   `yaml:"date,omitempty"`
	URL      string   `yaml:"url"`
	PostID   string   `yaml:"post_id,omitempty"`
	Slug     string   `yaml:"slug"`
	Audience string   `yaml:"audience,omitempty"`
	Source   string   `yaml:"source"`
	Bylines  []string `yaml:"bylines,omitempty"`
	Comments int      `yaml:"comments"`
	Images   int      `yaml:"images"`
}

// Content is everything a mirrored document is rendered from.
type Content struct {
	Post     crawler.Post
	Body     string
	Comments string
	// CommentCount and ImageCount are reported in the front matter.
	CommentCount int
	ImageCount   int
}

func segment(s string) string {
	s = unsafeSegment.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func datePrefix(date *time.Time) string {
	if date == nil {
		return "undated"
	}
	return date.UTC().Format("2006-01-02")
}

// PostPath is the object path of a post document: <author>/<date>_<slug>.md.
func PostPath(post crawler.Post) string {
	return path.Join(segment(post.Author), datePrefix(post.Date)+"_"+segment(post.Slug)+".md")
}

// ImagePath is the object path of one image of a post.
func ImagePath(author, slug, filename string) string {
	return path.Join(segment(author), ImagesDir, segment(slug), segment(filename))
}

// ImageLink is the document-relative link to an image written at ImagePath.
func ImageLink(slug, filename string) string {
	return path.Join(ImagesDir, segment(slug), segment(filename))
}

// Document renders the markdown file: YAML front matter, title, body and
// an optional comments section.
func Document(c Content) ([]byte, error) {
	fm := FrontMatter{
		Title:    c.Post.Title,
		Subtitle: c.Post.Subtitle,
		Author:   c.Post.Author,
		URL:      c.Post.URL,
		PostID:   c.Post.ID,
		Slug:     c.Post.Slug,
		Audience: c.Post.Audience,
		Source:   string(c.Post.Source),
		Comments: c.CommentCount,
		Images:   c.ImageCount,
	}
	if c.Post.Date != nil {
		fm.Date = c.Post.Date.UTC().Format(time.RFC3339)
	}
	for _, by := range c.Post.Bylines {
		if by.Name != "" {
			fm.Bylines = append(fm.Bylines, by.Name)
		}
	}

	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	if c.Post.Title != "" {
		buf.WriteString("# " + c.Post.Title + "\n\n")
	}
	if c.Post.Subtitle != "" {
		buf.WriteString("*" + c.Post.Subtitle + "*\n\n")
	}
	buf.WriteString(strings.TrimSpace(c.Body))
	buf.WriteString("\n")
	if strings.TrimSpace(c.Comments) != "" {
		buf.WriteString("\n---\n\n## Comments\n\n")
		buf.WriteString(c.Comments)
	}
	return buf.Bytes(), nil
}
