package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/metrics"
	"github.com/JakeFAU/substack-mirror/internal/substack"
)

// ContentType selects the TTL applied to a cached object.
type ContentType string

// Content types with their own TTLs.
const (
	TypePost       ContentType = "post"
	TypePostsList  ContentType = "posts_list"
	TypeComments   ContentType = "comments"
	TypeNewsletter ContentType = "newsletter"
	TypeAuthor     ContentType = "author"
	TypePage       ContentType = "page"
	TypeDefault    ContentType = "default"
)

// TTLs maps content types to lifetimes.
type TTLs map[ContentType]time.Duration

// DefaultTTLs returns the stock lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		TypePost:       7 * 24 * time.Hour,
		TypePostsList:  time.Hour,
		TypeComments:   6 * time.Hour,
		TypeNewsletter: 24 * time.Hour,
		TypeAuthor:     3 * 24 * time.Hour,
		TypeDefault:    time.Hour,
	}
}

// Content stores domain objects under structured keys.
type Content struct {
	store  *Store
	ttls   TTLs
	logger *zap.Logger
}

// NewContent wraps store. Non-zero entries in overrides replace the defaults.
func NewContent(store *Store, overrides TTLs, logger *zap.Logger) *Content {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = Disabled(logger)
	}
	ttls := DefaultTTLs()
	for t, d := range overrides {
		if d > 0 {
			ttls[t] = d
		}
	}
	return &Content{store: store, ttls: ttls, logger: logger}
}

// TTL returns the lifetime for t, falling back to the default.
func (c *Content) TTL(t ContentType) time.Duration {
	if d, ok := c.ttls[t]; ok {
		return d
	}
	return c.ttls[TypeDefault]
}

// PostKey is the cache key for one post.
func PostKey(author, slug string) string { return "post:" + author + ":" + slug }

// PostsListKey is the cache key for one archive page.
func PostsListKey(author string, page int) string {
	return "posts_list:" + author + ":" + strconv.Itoa(page)
}

// CommentsKey is the cache key for a post's comments.
func CommentsKey(postID string) string { return "comments:" + postID }

// NewsletterKey is the cache key for publication metadata.
func NewsletterKey(author string) string { return "newsletter:" + author }

// AuthorKey is the cache key for an author profile.
func AuthorKey(author string) string { return "author:" + author }

// postKeyForURL falls back to the raw URL when it cannot be parsed.
func postKeyForURL(rawURL string) string {
	author, errA := substack.ParseAuthor(rawURL)
	slug, errS := substack.ParseSlug(rawURL)
	if errA != nil || errS != nil {
		return rawURL
	}
	return PostKey(author, slug)
}

func (c *Content) put(ctx context.Context, ns Namespace, t ContentType, key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return c.store.SetWithTTL(ctx, ns, key, string(data), c.TTL(t))
}

func (c *Content) get(ctx context.Context, ns Namespace, t ContentType, key string, v any) bool {
	raw, ok := c.store.Get(ctx, ns, key)
	if ok && raw == "" {
		ok = false
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			c.logger.Debug("cache decode failed", zap.String("key", key), zap.Error(err))
			ok = false
		}
	}
	metrics.ObserveCacheLookup(string(t), ok)
	return ok
}

// PutPost caches a post under its author/slug key, or its URL when either is unknown.
func (c *Content) PutPost(ctx context.Context, post crawler.Post) bool {
	key := PostKey(post.Author, post.Slug)
	if post.Author == "" || post.Slug == "" {
		key = postKeyForURL(post.URL)
	}
	return c.put(ctx, NamespaceAPI, TypePost, key, post)
}

// GetPost looks up a post by author and slug.
func (c *Content) GetPost(ctx context.Context, author, slug string) (crawler.Post, bool) {
	var post crawler.Post
	ok := c.get(ctx, NamespaceAPI, TypePost, PostKey(author, slug), &post)
	return post, ok
}

// PutPostByURL caches a post under the key derived from rawURL.
func (c *Content) PutPostByURL(ctx context.Context, rawURL string, post crawler.Post) bool {
	return c.put(ctx, NamespaceAPI, TypePost, postKeyForURL(rawURL), post)
}

// GetPostByURL looks up a post by its public URL.
func (c *Content) GetPostByURL(ctx context.Context, rawURL string) (crawler.Post, bool) {
	var post crawler.Post
	ok := c.get(ctx, NamespaceAPI, TypePost, postKeyForURL(rawURL), &post)
	return post, ok
}

// InvalidatePost overwrites a post with an immediately expired empty value.
func (c *Content) InvalidatePost(ctx context.Context, author, slug string) bool {
	return c.store.SetWithTTL(ctx, NamespaceAPI, PostKey(author, slug), "", 0)
}

// PutPostsList caches an archive page and every post on it under its own key
// with the post TTL.
func (c *Content) PutPostsList(ctx context.Context, author string, page int, posts []crawler.Post) bool {
	if !c.put(ctx, NamespaceAPI, TypePostsList, PostsListKey(author, page), posts) {
		return false
	}
	for _, p := range posts {
		if p.Slug == "" {
			continue
		}
		if p.Author == "" {
			p.Author = author
		}
		c.PutPost(ctx, p)
	}
	return true
}

// GetPostsList returns a cached archive page.
func (c *Content) GetPostsList(ctx context.Context, author string, page int) ([]crawler.Post, bool) {
	var posts []crawler.Post
	ok := c.get(ctx, NamespaceAPI, TypePostsList, PostsListKey(author, page), &posts)
	return posts, ok
}

// PutComments caches the flat comment list of a post.
func (c *Content) PutComments(ctx context.Context, postID string, comments []crawler.Comment) bool {
	return c.put(ctx, NamespaceAPI, TypeComments, CommentsKey(postID), comments)
}

// GetComments returns cached comments for a post.
func (c *Content) GetComments(ctx context.Context, postID string) ([]crawler.Comment, bool) {
	var comments []crawler.Comment
	ok := c.get(ctx, NamespaceAPI, TypeComments, CommentsKey(postID), &comments)
	return comments, ok
}

// PutNewsletter caches publication metadata.
func (c *Content) PutNewsletter(ctx context.Context, n crawler.Newsletter) bool {
	return c.put(ctx, NamespaceAPI, TypeNewsletter, NewsletterKey(n.Author), n)
}

// GetNewsletter returns cached publication metadata.
func (c *Content) GetNewsletter(ctx context.Context, author string) (crawler.Newsletter, bool) {
	var n crawler.Newsletter
	ok := c.get(ctx, NamespaceAPI, TypeNewsletter, NewsletterKey(author), &n)
	return n, ok
}

// PutAuthor caches an author profile.
func (c *Content) PutAuthor(ctx context.Context, author string, profile crawler.Byline) bool {
	return c.put(ctx, NamespaceAPI, TypeAuthor, AuthorKey(author), profile)
}

// GetAuthor returns a cached author profile.
func (c *Content) GetAuthor(ctx context.Context, author string) (crawler.Byline, bool) {
	var b crawler.Byline
	ok := c.get(ctx, NamespaceAPI, TypeAuthor, AuthorKey(author), &b)
	return b, ok
}

// PutPage caches raw markup in the page namespace.
func (c *Content) PutPage(ctx context.Context, rawURL, html string) bool {
	return c.store.SetWithTTL(ctx, NamespacePage, rawURL, html, c.TTL(TypePage))
}

// GetPage returns cached raw markup.
func (c *Content) GetPage(ctx context.Context, rawURL string) (string, bool) {
	html, ok := c.store.Get(ctx, NamespacePage, rawURL)
	if ok && html == "" {
		ok = false
	}
	metrics.ObserveCacheLookup(string(TypePage), ok)
	return html, ok
}

// Clear empties both namespaces.
func (c *Content) Clear(ctx context.Context) (api, page int) {
	return c.store.ClearAll(ctx)
}

// PurgeExpired drops expired rows.
func (c *Content) PurgeExpired(ctx context.Context) int {
	return c.store.PurgeExpired(ctx)
}

// Stats reports the underlying store's counts.
func (c *Content) Stats(ctx context.Context) Stats {
	return c.store.Stats(ctx)
}
