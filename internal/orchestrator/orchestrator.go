// Package orchestrator drives one author's crawl: discovery, filtering and
// dispatch of per-post work, plus the maintenance operations around it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/cache"
	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/datefilter"
	"github.com/JakeFAU/substack-mirror/internal/dispatcher"
	"github.com/JakeFAU/substack-mirror/internal/metrics"
	"github.com/JakeFAU/substack-mirror/internal/progress"
	"github.com/JakeFAU/substack-mirror/internal/substack"
	"github.com/JakeFAU/substack-mirror/internal/syncstate"
	"github.com/JakeFAU/substack-mirror/internal/worker"
)

// Strategy selects how candidate posts are discovered.
type Strategy string

// Discovery strategies.
const (
	StrategyAPI     Strategy = "api"
	StrategySitemap Strategy = "sitemap"
	StrategyFeed    Strategy = "feed"
	StrategyArchive Strategy = "archive"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyAPI, StrategySitemap, StrategyFeed, StrategyArchive:
		return st, nil
	case "":
		return StrategyAPI, nil
	default:
		return "", fmt.Errorf("unknown discovery strategy %q", s)
	}
}

// Discovery lists an author's posts. *substack.Client implements it.
type Discovery interface {
	Archive(ctx context.Context, author string, offset, limit int) ([]crawler.Post, error)
	Sitemap(ctx context.Context, author string) ([]crawler.PostRef, error)
	Feed(ctx context.Context, author string) ([]crawler.PostRef, crawler.Newsletter, error)
	ArchiveLinks(ctx context.Context, author string) ([]crawler.PostRef, error)
}

// ContentCache is the part of the content cache the orchestrator uses.
type ContentCache interface {
	GetPost(ctx context.Context, author, slug string) (crawler.Post, bool)
	GetPostsList(ctx context.Context, author string, page int) ([]crawler.Post, bool)
	PutPostsList(ctx context.Context, author string, page int, posts []crawler.Post) bool
	GetNewsletter(ctx context.Context, author string) (crawler.Newsletter, bool)
	PutNewsletter(ctx context.Context, n crawler.Newsletter) bool
	GetAuthor(ctx context.Context, author string) (crawler.Byline, bool)
	Clear(ctx context.Context) (api, page int)
	PurgeExpired(ctx context.Context) int
	Stats(ctx context.Context) cache.Stats
}

// PostCounter reports how many posts of an author the post index holds.
type PostCounter interface {
	CountPosts(ctx context.Context, author string) (int, error)
}

// ExecutorFactory builds the executor for one run at the requested concurrency.
type ExecutorFactory func(concurrency int) dispatcher.Executor

// Config tunes discovery.
type Config struct {
	Strategy Strategy
	PageSize int
	MaxPages int
}

// Deps are the collaborators of an Orchestrator. Index and IDs are optional.
type Deps struct {
	Discovery Discovery
	Cache     ContentCache
	Sync      *syncstate.Manager
	Executor  ExecutorFactory
	IDs       crawler.IDGenerator
	Index     PostCounter
	Progress  progress.Emitter
}

// Orchestrator is the surface consumed by the CLI and admin server.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAPI
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 200
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}
}

// DownloadAll mirrors every discovered post of author that passes the date
// filter and, unless forceRefresh is set, has not been synced yet. Counters are
// returned even when the run aborts on rejected credentials.
func (o *Orchestrator) DownloadAll(
	ctx context.Context,
	author string,
	filter datefilter.Filter,
	concurrency int,
	forceRefresh bool,
) (crawler.RunCounters, error) {
	var counters crawler.RunCounters
	author, err := substack.NormalizeAuthor(author)
	if err != nil {
		return counters, err
	}
	runID := ""
	if o.deps.IDs != nil {
		if runID, err = o.deps.IDs.NewID(); err != nil {
			return counters, fmt.Errorf("generate run id: %w", err)
		}
	}
	log := o.logger.With(zap.String("author", author), zap.String("run_id", runID))
	started := time.Now()

	refs, err := o.discover(ctx, author, forceRefresh, log)
	if err != nil {
		metrics.ObserveRun("failed")
		o.emit(progress.Event{RunID: runID, Stage: progress.StageRunError, Author: author, Note: err.Error()})
		return counters, fmt.Errorf("discover posts: %w", err)
	}
	log.Info("candidates discovered", zap.Int("count", len(refs)))

	tracker := o.deps.Sync.Get(author)
	candidates := make([]crawler.PostRef, 0, len(refs))
	for _, ref := range refs {
		if !filter.InRange(ref.Date) {
			counters.Add(crawler.OutcomeSkipped)
			metrics.ObservePost(string(crawler.OutcomeSkipped))
			continue
		}
		candidates = append(candidates, ref)
	}
	if !forceRefresh {
		fresh := tracker.FilterNew(candidates)
		for range len(candidates) - len(fresh) {
			counters.Add(crawler.OutcomeAlreadySynced)
			metrics.ObservePost(string(crawler.OutcomeAlreadySynced))
		}
		candidates = fresh
	}

	tasks := make([]worker.Task, 0, len(candidates))
	for _, ref := range candidates {
		tasks = append(tasks, worker.Task{
			RunID:        runID,
			Author:       author,
			Ref:          ref,
			ForceRefresh: forceRefresh,
			Sync:         tracker,
		})
	}

	o.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart, Author: author, Count: len(tasks)})
	executor := o.deps.Executor(concurrency)
	log.Info("dispatching",
		zap.Int("tasks", len(tasks)),
		zap.Int("skipped", counters.Skipped),
		zap.Int("already_synced", counters.AlreadySynced),
		zap.String("executor", executor.Name()),
	)
	execErr := executor.Execute(ctx, tasks, func(r dispatcher.Report) {
		outcome := crawler.OutcomeSuccess
		if r.Err != nil {
			outcome = crawler.OutcomeFailed
			log.Warn("post failed", zap.String("slug", r.Task.Ref.Slug), zap.Error(r.Err))
		}
		counters.Add(outcome)
		metrics.ObservePost(string(outcome))
		o.emit(progress.Event{
			RunID:   runID,
			Stage:   progress.StagePostDone,
			Author:  author,
			Slug:    r.Task.Ref.Slug,
			Outcome: string(outcome),
		})
	})

	aborted := execErr != nil || ctx.Err() != nil
	if !aborted && counters.Failed == 0 {
		if err := tracker.UpdateSyncTime(); err != nil {
			log.Warn("sync time not saved", zap.Error(err))
		}
	}
	result := runResult(counters, aborted)
	metrics.ObserveRun(result)
	done := progress.Event{
		RunID:  runID,
		Stage:  progress.StageRunDone,
		Author: author,
		Count:  counters.Success,
		Dur:    time.Since(started),
		Note:   result,
	}
	if aborted {
		done.Stage = progress.StageRunError
	}
	o.emit(done)
	log.Info("run finished",
		zap.Int("success", counters.Success),
		zap.Int("skipped", counters.Skipped),
		zap.Int("failed", counters.Failed),
		zap.Int("already_synced", counters.AlreadySynced),
		zap.Bool("aborted", aborted),
	)

	switch {
	case execErr != nil:
		return counters, execErr
	case ctx.Err() != nil:
		return counters, fmt.Errorf("run interrupted: %w", ctx.Err())
	}
	return counters, nil
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Progress != nil {
		o.deps.Progress.Emit(evt)
	}
}

func runResult(c crawler.RunCounters, aborted bool) string {
	switch {
	case aborted:
		return "aborted"
	case c.ExitFailure():
		return "failed"
	case c.Failed > 0:
		return "partial"
	default:
		return "success"
	}
}

// discover lists candidates with the configured strategy. A failing archive
// API falls back to the sitemap.
func (o *Orchestrator) discover(ctx context.Context, author string, force bool, log *zap.Logger) ([]crawler.PostRef, error) {
	var (
		refs []crawler.PostRef
		err  error
	)
	switch o.cfg.Strategy {
	case StrategySitemap:
		refs, err = o.deps.Discovery.Sitemap(ctx, author)
	case StrategyFeed:
		refs, err = o.discoverFeed(ctx, author)
	case StrategyArchive:
		refs, err = o.deps.Discovery.ArchiveLinks(ctx, author)
	default:
		refs, err = o.discoverAPI(ctx, author, force, log)
		if err != nil && !errors.Is(err, crawler.ErrUnauthorized) && ctx.Err() == nil {
			log.Warn("archive api failed, falling back to sitemap", zap.Error(err))
			refs, err = o.deps.Discovery.Sitemap(ctx, author)
		}
	}
	if err != nil {
		return nil, err
	}
	return o.resolve(ctx, author, dedupe(refs)), nil
}

func (o *Orchestrator) discoverAPI(ctx context.Context, author string, force bool, log *zap.Logger) ([]crawler.PostRef, error) {
	var refs []crawler.PostRef
	size := o.cfg.PageSize
	for page := range o.cfg.MaxPages {
		var (
			posts []crawler.Post
			ok    bool
		)
		if !force && o.deps.Cache != nil {
			posts, ok = o.deps.Cache.GetPostsList(ctx, author, page)
		}
		if !ok {
			var err error
			posts, err = o.deps.Discovery.Archive(ctx, author, page*size, size)
			if err != nil {
				if page == 0 || errors.Is(err, crawler.ErrUnauthorized) || ctx.Err() != nil {
					return nil, err
				}
				log.Warn("archive listing truncated", zap.Int("page", page), zap.Error(err))
				return refs, nil
			}
			if o.deps.Cache != nil {
				o.deps.Cache.PutPostsList(ctx, author, page, posts)
			}
		}
		for _, p := range posts {
			refs = append(refs, p.Ref())
		}
		if len(posts) < size {
			break
		}
	}
	return refs, nil
}

func (o *Orchestrator) discoverFeed(ctx context.Context, author string) ([]crawler.PostRef, error) {
	refs, newsletter, err := o.deps.Discovery.Feed(ctx, author)
	if err != nil {
		return nil, err
	}
	if o.deps.Cache != nil && newsletter.Title != "" {
		newsletter.Author = author
		o.deps.Cache.PutNewsletter(ctx, newsletter)
	}
	return refs, nil
}

// resolve fills ids and dates of slug-only candidates from cached posts.
func (o *Orchestrator) resolve(ctx context.Context, author string, refs []crawler.PostRef) []crawler.PostRef {
	if o.deps.Cache == nil {
		return refs
	}
	for i, ref := range refs {
		if ref.ID != "" && ref.Date != nil {
			continue
		}
		post, ok := o.deps.Cache.GetPost(ctx, author, ref.Slug)
		if !ok {
			continue
		}
		if ref.ID == "" {
			refs[i].ID = post.ID
		}
		if ref.Date == nil {
			refs[i].Date = post.Date
		}
	}
	return refs
}

func dedupe(refs []crawler.PostRef) []crawler.PostRef {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		if ref.Slug == "" {
			continue
		}
		if _, dup := seen[ref.Slug]; dup {
			continue
		}
		seen[ref.Slug] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// Info summarizes what is known locally about an author.
type Info struct {
	Author       string              `json:"author"`
	Sync         syncstate.Stats     `json:"sync"`
	Cache        cache.Stats         `json:"cache"`
	Newsletter   *crawler.Newsletter `json:"newsletter,omitempty"`
	Profile      *crawler.Byline     `json:"profile,omitempty"`
	IndexedPosts *int                `json:"indexed_posts,omitempty"`
}

// Info reports sync state, cache counts and cached metadata for author.
func (o *Orchestrator) Info(ctx context.Context, author string) (Info, error) {
	author, err := substack.NormalizeAuthor(author)
	if err != nil {
		return Info{}, err
	}
	info := Info{Author: author, Sync: o.deps.Sync.Get(author).Stats()}
	if o.deps.Cache != nil {
		info.Cache = o.deps.Cache.Stats(ctx)
		if n, ok := o.deps.Cache.GetNewsletter(ctx, author); ok {
			info.Newsletter = &n
		}
		if p, ok := o.deps.Cache.GetAuthor(ctx, author); ok {
			info.Profile = &p
		}
	}
	if o.deps.Index != nil {
		n, err := o.deps.Index.CountPosts(ctx, author)
		if err != nil {
			o.logger.Warn("post index count failed", zap.String("author", author), zap.Error(err))
		} else {
			info.IndexedPosts = &n
		}
	}
	return info, nil
}

// ResetSync forgets every synced post and the last sync time of author.
func (o *Orchestrator) ResetSync(author string) error {
	author, err := substack.NormalizeAuthor(author)
	if err != nil {
		return err
	}
	if err := o.deps.Sync.Reset(author); err != nil {
		return fmt.Errorf("reset sync state: %w", err)
	}
	o.logger.Info("sync state reset", zap.String("author", author))
	return nil
}

// ClearCache empties both cache namespaces and returns the rows removed.
func (o *Orchestrator) ClearCache(ctx context.Context) (api, page int) {
	if o.deps.Cache == nil {
		return 0, 0
	}
	api, page = o.deps.Cache.Clear(ctx)
	o.logger.Info("cache cleared", zap.Int("api", api), zap.Int("page", page))
	return api, page
}

// PurgeExpiredCache drops expired cache rows.
func (o *Orchestrator) PurgeExpiredCache(ctx context.Context) int {
	if o.deps.Cache == nil {
		return 0
	}
	return o.deps.Cache.PurgeExpired(ctx)
}
