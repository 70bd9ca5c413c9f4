// Package render turns fetched posts into mirrored documents.
package render

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Converter renders post markup as lightweight markdown. It keeps headings,
// paragraphs, lists, quotes, links and images and drops everything else.
type Converter struct{}

// NewConverter returns a Converter.
func NewConverter() *Converter {
	return &Converter{}
}

// Convert implements crawler.Converter.
func (c *Converter) Convert(markup string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrConversion, err)
	}
	root := doc.Find("body")
	if root.Length() == 0 {
		return "", fmt.Errorf("%w: no document body", crawler.ErrConversion)
	}
	var b strings.Builder
	root.Contents().Each(func(_ int, s *goquery.Selection) {
		writeBlock(&b, s, "")
	})
	out := blankRuns.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out) + "\n", nil
}

func writeBlock(b *strings.Builder, s *goquery.Selection, prefix string) {
	node := s.Get(0)
	if node == nil {
		return
	}
	switch node.Type {
	case html.TextNode:
		if text := collapse(node.Data); text != "" {
			b.WriteString(text)
		}
		return
	case html.ElementNode:
	default:
		return
	}

	switch node.Data {
	case "script", "style", "noscript", "button", "svg", "form":
		return
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(node.Data[1] - '0')
		b.WriteString("\n\n" + strings.Repeat("#", level) + " " + inline(s) + "\n\n")
	case "p":
		if text := inline(s); text != "" {
			b.WriteString("\n\n" + prefix + text + "\n\n")
		}
	case "blockquote":
		s.Contents().Each(func(_ int, child *goquery.Selection) {
			writeBlock(b, child, prefix+"> ")
		})
	case "ul", "ol":
		b.WriteString("\n")
		s.ChildrenFiltered("li").Each(func(i int, li *goquery.Selection) {
			marker := "- "
			if node.Data == "ol" {
				marker = fmt.Sprintf("%d. ", i+1)
			}
			b.WriteString(prefix + marker + inline(li) + "\n")
		})
		b.WriteString("\n")
	case "pre":
		b.WriteString("\n\n```\n" + strings.TrimRight(s.Text(), "\n") + "\n```\n\n")
	case "hr":
		b.WriteString("\n\n---\n\n")
	case "br":
		b.WriteString("\n")
	case "img":
		b.WriteString("\n\n" + image(s) + "\n\n")
	case "a", "strong", "b", "em", "i", "code", "span":
		b.WriteString(inline(s))
	default:
		s.Contents().Each(func(_ int, child *goquery.Selection) {
			writeBlock(b, child, prefix)
		})
	}
}

// inline flattens a selection into one line of markdown.
func inline(s *goquery.Selection) string {
	var b strings.Builder
	s.Contents().Each(func(_ int, child *goquery.Selection) {
		node := child.Get(0)
		switch {
		case node.Type == html.TextNode:
			b.WriteString(node.Data)
		case node.Type != html.ElementNode:
		case node.Data == "a":
			text := strings.TrimSpace(inline(child))
			href, _ := child.Attr("href")
			if href == "" || text == "" {
				b.WriteString(text)
				return
			}
			b.WriteString("[" + text + "](" + href + ")")
		case node.Data == "strong" || node.Data == "b":
			if text := strings.TrimSpace(inline(child)); text != "" {
				b.WriteString("**" + text + "**")
			}
		case node.Data == "em" || node.Data == "i":
			if text := strings.TrimSpace(inline(child)); text != "" {
				b.WriteString("*" + text + "*")
			}
		case node.Data == "code":
			b.WriteString("`" + child.Text() + "`")
		case node.Data == "img":
			b.WriteString(image(child))
		case node.Data == "br":
			b.WriteString(" ")
		case node.Data == "script" || node.Data == "style":
		default:
			b.WriteString(inline(child))
		}
	})
	return collapse(b.String())
}

func image(s *goquery.Selection) string {
	src, _ := s.Attr("src")
	alt, _ := s.Attr("alt")
	if src == "" {
		return ""
	}
	return "![" + alt + "](" + src + ")"
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// RewriteImages replaces image sources found in replacements, typically
// absolute remote URLs with local relative paths. Relative sources are
// resolved against baseURL before lookup.
func RewriteImages(markup, baseURL string, replacements map[string]string) (string, error) {
	if len(replacements) == 0 {
		return markup, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse markup: %w", err)
	}
	base, _ := url.Parse(baseURL)
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"src", "data-src"} {
			v, ok := s.Attr(attr)
			if !ok {
				continue
			}
			if ref, err := url.Parse(strings.TrimSpace(v)); err == nil && base != nil {
				v = base.ResolveReference(ref).String()
			}
			if local, found := replacements[v]; found {
				s.SetAttr("src", local)
				s.RemoveAttr("srcset")
				return
			}
		}
	})
	out, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("render markup: %w", err)
	}
	return out, nil
}
