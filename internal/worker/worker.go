// Package worker runs the per-post mirror pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/comments"
	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/hash/sha256"
	"github.com/JakeFAU/substack-mirror/internal/render"
	"github.com/JakeFAU/substack-mirror/internal/substack"
)

const documentContentType = "text/markdown; charset=utf-8"

// Remote is the network side of the pipeline beyond the structured post API.
type Remote interface {
	Page(ctx context.Context, rawURL string) ([]byte, error)
	Comments(ctx context.Context, author, postID string) ([]crawler.Comment, error)
	Image(ctx context.Context, rawURL string) ([]byte, string, error)
}

// ContentCache is the subset of the content cache the worker consults.
type ContentCache interface {
	GetPost(ctx context.Context, author, slug string) (crawler.Post, bool)
	PutPost(ctx context.Context, post crawler.Post) bool
	GetPage(ctx context.Context, rawURL string) (string, bool)
	PutPage(ctx context.Context, rawURL, html string) bool
	GetComments(ctx context.Context, postID string) ([]crawler.Comment, bool)
	PutComments(ctx context.Context, postID string, list []crawler.Comment) bool
	PutAuthor(ctx context.Context, author string, profile crawler.Byline) bool
}

// SyncMarker records a persisted post.
type SyncMarker interface {
	MarkPostSynced(id string) error
}

// existenceChecker is implemented by blob stores that can skip rewrites.
type existenceChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Config controls Worker behavior.
type Config struct {
	MaxRetries int
	Comments   bool
	Images     bool
	// Topic receives one notification per mirrored post when a publisher is set.
	Topic string
}

// Deps are the collaborators of a Worker. Index and Publisher are optional.
type Deps struct {
	API       substack.PostSource
	Remote    Remote
	Endpoints substack.Endpoints
	Cache     ContentCache
	Blobs     crawler.BlobStore
	Converter crawler.Converter
	Images    crawler.HostLimiter
	Index     crawler.PostIndex
	Publisher crawler.Publisher
	Clock     crawler.Clock
}

// Task is one candidate to mirror.
type Task struct {
	RunID        string
	Author       string
	Ref          crawler.PostRef
	ForceRefresh bool
	Sync         SyncMarker
}

// Result describes a mirrored post.
type Result struct {
	Post     crawler.Post
	URI      string
	Path     string
	Images   int
	Comments int
	Cached   bool
}

// Worker executes the fetch, render and persist pipeline for one post at a time.
// A Worker is safe for concurrent use when its dependencies are.
type Worker struct {
	deps   Deps
	cfg    Config
	retry  crawler.RetryPolicy
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		retry:  crawler.NewRetryPolicy(cfg.MaxRetries),
		logger: logger,
	}
}

// Process mirrors one post. Only credential failures are meant to escape the
// task; every other error marks the task failed.
func (w *Worker) Process(ctx context.Context, task Task) (Result, error) {
	log := w.logger.With(zap.String("author", task.Author), zap.String("slug", task.Ref.Slug))

	post, cached, err := w.fetchPost(ctx, task, log)
	if err != nil {
		return Result{}, err
	}
	res := Result{Post: post, Cached: cached}

	var forest []*comments.Node
	if w.cfg.Comments && post.ID != "" {
		list, err := w.fetchComments(ctx, task.Author, post.ID, task.ForceRefresh)
		switch {
		case errors.Is(err, crawler.ErrUnauthorized):
			return Result{}, err
		case err != nil:
			log.Warn("comments unavailable", zap.Error(err))
		default:
			post.Comments = list
			forest = comments.Build(list)
			res.Comments = comments.Count(forest)
		}
	}

	replacements := map[string]string{}
	if w.cfg.Images {
		replacements = w.mirrorImages(ctx, post, log)
		res.Images = len(replacements)
	}
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("post %s: %w", post.Slug, ctx.Err())
	}

	markup, err := render.RewriteImages(post.ContentHTML, post.URL, replacements)
	if err != nil {
		return Result{}, fmt.Errorf("rewrite images: %w", err)
	}
	body, err := w.deps.Converter.Convert(markup)
	if err != nil {
		return Result{}, fmt.Errorf("convert %s: %w", post.Slug, err)
	}
	doc, err := render.Document(render.Content{
		Post:         post,
		Body:         body,
		Comments:     comments.Render(forest),
		CommentCount: res.Comments,
		ImageCount:   res.Images,
	})
	if err != nil {
		return Result{}, err
	}

	res.Path = render.PostPath(post)
	res.URI, err = w.deps.Blobs.PutObject(ctx, res.Path, documentContentType, doc)
	if err != nil {
		return Result{}, fmt.Errorf("persist %s: %w", res.Path, err)
	}
	res.Post = post

	w.record(ctx, task, res, log)

	if err := w.markSynced(task, post); err != nil {
		return Result{}, err
	}
	log.Debug("post mirrored",
		zap.String("uri", res.URI),
		zap.String("source", string(post.Source)),
		zap.Bool("cached", res.Cached),
		zap.Int("images", res.Images),
		zap.Int("comments", res.Comments),
	)
	return res, nil
}

// fetchPost resolves the post from cache, the API, then the rendered page.
func (w *Worker) fetchPost(ctx context.Context, task Task, log *zap.Logger) (crawler.Post, bool, error) {
	ref := task.Ref
	if !task.ForceRefresh && w.deps.Cache != nil {
		// A list summary has no body and is not enough to render.
		if post, ok := w.deps.Cache.GetPost(ctx, task.Author, ref.Slug); ok && post.ContentHTML != "" {
			return fillFromRef(post, task), true, nil
		}
	}

	post, apiErr := w.fetchAPI(ctx, task)
	if apiErr == nil {
		w.cachePost(ctx, task.Author, post)
		return fillFromRef(post, task), false, nil
	}
	if errors.Is(apiErr, crawler.ErrUnauthorized) || ctx.Err() != nil {
		return crawler.Post{}, false, apiErr
	}
	log.Debug("api fetch failed, falling back to page",
		zap.Bool("missing_auth", substack.IsMissingAuth(apiErr)),
		zap.Error(apiErr),
	)

	post, htmlErr := w.fetchHTML(ctx, task)
	if htmlErr == nil {
		w.cachePost(ctx, task.Author, post)
		return fillFromRef(post, task), false, nil
	}
	if errors.Is(htmlErr, crawler.ErrUnauthorized) {
		return crawler.Post{}, false, htmlErr
	}
	return crawler.Post{}, false, fmt.Errorf("post %s: api: %v; html: %w", ref.Slug, apiErr, htmlErr)
}

func (w *Worker) fetchAPI(ctx context.Context, task Task) (crawler.Post, error) {
	if w.deps.API == nil {
		return crawler.Post{}, errors.New("api source not configured")
	}
	var post crawler.Post
	err := w.withRetry(ctx, "api", func() error {
		var err error
		post, err = w.deps.API.Post(ctx, task.Author, task.Ref.Slug)
		return err
	})
	return post, err
}

func (w *Worker) fetchHTML(ctx context.Context, task Task) (crawler.Post, error) {
	pageURL := task.Ref.URL
	if pageURL == "" {
		pageURL = w.deps.Endpoints.Post(task.Author, task.Ref.Slug)
	}

	var page []byte
	if !task.ForceRefresh && w.deps.Cache != nil {
		if cached, ok := w.deps.Cache.GetPage(ctx, pageURL); ok {
			page = []byte(cached)
		}
	}
	if page == nil {
		err := w.withRetry(ctx, "page", func() error {
			var err error
			page, err = w.deps.Remote.Page(ctx, pageURL)
			return err
		})
		if err != nil {
			return crawler.Post{}, err
		}
		if w.deps.Cache != nil {
			w.deps.Cache.PutPage(ctx, pageURL, string(page))
		}
	}
	return substack.ExtractPost(page, pageURL, task.Author)
}

func (w *Worker) cachePost(ctx context.Context, author string, post crawler.Post) {
	if w.deps.Cache == nil {
		return
	}
	if post.Author == "" {
		post.Author = author
	}
	w.deps.Cache.PutPost(ctx, post)
	for _, by := range post.Bylines {
		if by.Handle == author || len(post.Bylines) == 1 {
			w.deps.Cache.PutAuthor(ctx, author, by)
			break
		}
	}
}

// fillFromRef completes fields the fetch path could not supply.
func fillFromRef(post crawler.Post, task Task) crawler.Post {
	ref := task.Ref
	if post.ID == "" {
		post.ID = ref.ID
	}
	if post.Slug == "" {
		post.Slug = ref.Slug
	}
	if post.Date == nil {
		post.Date = ref.Date
	}
	if post.URL == "" {
		post.URL = ref.URL
	}
	if post.Author == "" {
		post.Author = task.Author
	}
	return post
}

func (w *Worker) fetchComments(ctx context.Context, author, postID string, force bool) ([]crawler.Comment, error) {
	if !force && w.deps.Cache != nil {
		if list, ok := w.deps.Cache.GetComments(ctx, postID); ok {
			return list, nil
		}
	}
	var list []crawler.Comment
	err := w.withRetry(ctx, "comments", func() error {
		var err error
		list, err = w.deps.Remote.Comments(ctx, author, postID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if w.deps.Cache != nil {
		w.deps.Cache.PutComments(ctx, postID, list)
	}
	return list, nil
}

// mirrorImages stores every usable image of post and returns the map from
// remote URL to document-relative link. Failed images are left remote.
func (w *Worker) mirrorImages(ctx context.Context, post crawler.Post, log *zap.Logger) map[string]string {
	out := make(map[string]string)
	used := make(map[string]string)
	checker, canCheck := w.deps.Blobs.(existenceChecker)

	for _, src := range substack.ExtractImages(post.ContentHTML, post.URL) {
		if ctx.Err() != nil {
			return out
		}
		name := substack.ImageFilename(src)
		if other, taken := used[name]; taken && other != src {
			name = sha256.Short(src, 8) + "_" + name
		}
		used[name] = src
		objectPath := render.ImagePath(post.Author, post.Slug, name)

		if canCheck {
			if ok, err := checker.Exists(ctx, objectPath); err == nil && ok {
				out[src] = render.ImageLink(post.Slug, name)
				continue
			}
		}
		if w.deps.Images != nil {
			if err := w.deps.Images.Wait(ctx, src); err != nil {
				return out
			}
		}
		var (
			data        []byte
			contentType string
		)
		err := w.withRetry(ctx, "image", func() error {
			var err error
			data, contentType, err = w.deps.Remote.Image(ctx, src)
			return err
		})
		if err != nil {
			log.Warn("image fetch failed", zap.String("image", src), zap.Error(err))
			continue
		}
		if _, err := w.deps.Blobs.PutObject(ctx, objectPath, contentType, data); err != nil {
			log.Warn("image persist failed", zap.String("image", src), zap.Error(err))
			continue
		}
		out[src] = render.ImageLink(post.Slug, name)
	}
	return out
}

func (w *Worker) record(ctx context.Context, task Task, res Result, log *zap.Logger) {
	if w.deps.Index == nil && (w.deps.Publisher == nil || w.cfg.Topic == "") {
		return
	}
	rec := crawler.PostRecord{
		RunID:     task.RunID,
		Author:    task.Author,
		PostID:    res.Post.ID,
		Slug:      res.Post.Slug,
		Title:     res.Post.Title,
		URL:       res.Post.URL,
		Published: res.Post.Date,
		BlobURI:   res.URI,
		Source:    res.Post.Source,
		Images:    res.Images,
		Comments:  res.Comments,
	}
	if w.deps.Clock != nil {
		rec.SyncedAt = w.deps.Clock.Now()
	}
	if w.deps.Index != nil {
		if err := w.deps.Index.RecordPost(ctx, rec); err != nil {
			log.Warn("post index update failed", zap.Error(err))
		}
	}
	if w.deps.Publisher != nil && w.cfg.Topic != "" {
		if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, rec); err != nil {
			log.Warn("post notification failed", zap.Error(err))
		}
	}
}

// markSynced records the post under its remote id and under the key its
// candidate was filtered by, so slug-only discovery paths see it too.
func (w *Worker) markSynced(task Task, post crawler.Post) error {
	if task.Sync == nil {
		return nil
	}
	keys := []string{task.Ref.SyncKey()}
	if post.ID != "" && post.ID != keys[0] {
		keys = append(keys, post.ID)
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := task.Sync.MarkPostSynced(key); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
	}
	return nil
}

// withRetry repeats fn while the retry policy allows. The client has already
// reported each failure to the throttler, so the next attempt waits out the
// raised delay before going to the network.
func (w *Worker) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !w.retry.ShouldRetry(err, attempt) {
			return err
		}
		w.logger.Debug("retrying", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
}
