package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/cache"
	"github.com/JakeFAU/substack-mirror/internal/clock/manual"
	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/datefilter"
	"github.com/JakeFAU/substack-mirror/internal/dispatcher"
	"github.com/JakeFAU/substack-mirror/internal/progress"
	"github.com/JakeFAU/substack-mirror/internal/render"
	memstore "github.com/JakeFAU/substack-mirror/internal/storage/memory"
	"github.com/JakeFAU/substack-mirror/internal/substack"
	"github.com/JakeFAU/substack-mirror/internal/syncstate"
	"github.com/JakeFAU/substack-mirror/internal/worker"
)

type fakeDiscovery struct {
	mu           sync.Mutex
	archive      []crawler.Post
	archiveErr   error
	sitemap      []crawler.PostRef
	archiveCalls int
	sitemapCalls int
}

func (d *fakeDiscovery) Archive(_ context.Context, _ string, offset, limit int) ([]crawler.Post, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.archiveCalls++
	if d.archiveErr != nil {
		return nil, d.archiveErr
	}
	if offset >= len(d.archive) {
		return nil, nil
	}
	return d.archive[offset:min(offset+limit, len(d.archive))], nil
}

func (d *fakeDiscovery) Sitemap(context.Context, string) ([]crawler.PostRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sitemapCalls++
	return d.sitemap, nil
}

func (d *fakeDiscovery) Feed(context.Context, string) ([]crawler.PostRef, crawler.Newsletter, error) {
	return d.sitemap, crawler.Newsletter{Title: "Writer's Notes", Link: "https://writer.substack.com"}, nil
}

func (d *fakeDiscovery) ArchiveLinks(context.Context, string) ([]crawler.PostRef, error) {
	return d.sitemap, nil
}

type fakeSource struct {
	posts map[string]crawler.Post
	errs  map[string]error
}

func (s *fakeSource) Post(_ context.Context, _ string, slug string) (crawler.Post, error) {
	if err := s.errs[slug]; err != nil {
		return crawler.Post{}, err
	}
	post, ok := s.posts[slug]
	if !ok {
		return crawler.Post{}, &crawler.StatusError{URL: slug, StatusCode: 404}
	}
	return post, nil
}

type notFoundRemote struct{}

func (notFoundRemote) Page(_ context.Context, rawURL string) ([]byte, error) {
	return nil, &crawler.StatusError{URL: rawURL, StatusCode: 404}
}

func (notFoundRemote) Comments(context.Context, string, string) ([]crawler.Comment, error) {
	return nil, nil
}

func (notFoundRemote) Image(_ context.Context, rawURL string) ([]byte, string, error) {
	return nil, "", &crawler.StatusError{URL: rawURL, StatusCode: 404}
}

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "run-fixed", nil }

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func post(id, slug, date string) crawler.Post {
	return crawler.Post{
		ID:          id,
		Slug:        slug,
		Title:       "Post " + slug,
		Date:        day(date),
		Author:      "writer",
		URL:         "https://writer.substack.com/p/" + slug,
		ContentHTML: "<p>Body of " + slug + "</p>",
		Source:      crawler.PathAPI,
	}
}

func summary(p crawler.Post) crawler.Post {
	p.ContentHTML = ""
	return p
}

type harness struct {
	discovery *fakeDiscovery
	source    *fakeSource
	content   *cache.Content
	sync      *syncstate.Manager
	blobs     *memstore.BlobStore
	orch      *Orchestrator
}

func newHarness(t *testing.T, isolated bool, posts ...crawler.Post) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := manual.New(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	store, err := cache.Open(context.Background(), cache.Config{Path: filepath.Join(dir, "cache.db")}, clock, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		discovery: &fakeDiscovery{},
		source:    &fakeSource{posts: map[string]crawler.Post{}, errs: map[string]error{}},
		content:   cache.NewContent(store, nil, zap.NewNop()),
		sync:      syncstate.NewManager(filepath.Join(dir, "state"), clock, zap.NewNop()),
		blobs:     memstore.NewBlobStore(),
	}
	for _, p := range posts {
		h.discovery.archive = append(h.discovery.archive, summary(p))
		h.source.posts[p.Slug] = p
	}

	newWorker := func() *worker.Worker {
		return worker.New(worker.Deps{
			API:       h.source,
			Remote:    notFoundRemote{},
			Endpoints: substack.NewEndpoints(""),
			Cache:     h.content,
			Blobs:     h.blobs,
			Converter: render.NewConverter(),
			Clock:     clock,
		}, worker.Config{MaxRetries: 1}, zap.NewNop())
	}
	shared := newWorker()
	executor := func(concurrency int) dispatcher.Executor {
		if isolated {
			return dispatcher.NewIsolated(func(int) (dispatcher.Processor, func(), error) {
				return newWorker(), nil, nil
			}, concurrency, zap.NewNop())
		}
		return dispatcher.NewCooperative(shared, concurrency, zap.NewNop())
	}

	h.orch = New(Deps{
		Discovery: h.discovery,
		Cache:     h.content,
		Sync:      h.sync,
		Executor:  executor,
		IDs:       staticIDs{},
	}, Config{PageSize: 2}, zap.NewNop())
	return h
}

func TestDownloadAllEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false,
		post("1", "already", "2024-03-01"),
		post("2", "ancient", "2020-01-01"),
		post("3", "fresh", "2024-04-01"),
	)
	tracker := h.sync.Get("writer")
	require.NoError(t, tracker.MarkPostSynced("1"))

	filter := datefilter.New("2023-01-01", "", zap.NewNop())
	counters, err := h.orch.DownloadAll(context.Background(), "writer", filter, 2, false)
	require.NoError(t, err)

	assert.Equal(t, crawler.RunCounters{Success: 1, Skipped: 1, AlreadySynced: 1}, counters)
	assert.Equal(t, []string{"1", "3"}, tracker.SyncedIDs())
	assert.Equal(t, []string{"writer/2024-04-01_fresh.md"}, h.blobs.Paths())
	_, synced := tracker.LastSync()
	assert.True(t, synced)
	assert.Equal(t, 2, h.discovery.archiveCalls)
}

func TestDownloadAllIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, post("1", "a", "2024-01-01"), post("2", "b", "2024-02-01"))
	filter := datefilter.New("", "", zap.NewNop())

	first, err := h.orch.DownloadAll(context.Background(), "writer", filter, 4, false)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Success)

	second, err := h.orch.DownloadAll(context.Background(), "writer", filter, 4, false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Success)
	assert.Equal(t, 2, second.AlreadySynced)
	assert.False(t, second.ExitFailure())
}

func TestForceRefreshRefetchesSyncedPosts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, post("1", "a", "2024-01-01"))
	require.NoError(t, h.sync.Get("writer").MarkPostSynced("1"))

	counters, err := h.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 1, true)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Success)
	assert.Zero(t, counters.AlreadySynced)
}

func TestExecutorsProduceIdenticalArtifacts(t *testing.T) {
	t.Parallel()

	posts := []crawler.Post{
		post("1", "one", "2024-01-01"),
		post("2", "two", "2024-01-02"),
		post("3", "three", "2024-01-03"),
		post("4", "four", "2024-01-04"),
		post("5", "five", "2024-01-05"),
	}
	coop := newHarness(t, false, posts...)
	iso := newHarness(t, true, posts...)

	c1, err := coop.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 3, false)
	require.NoError(t, err)
	c2, err := iso.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 3, false)
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Equal(t, 5, c1.Success)
	assert.Equal(t, coop.blobs.Snapshot(), iso.blobs.Snapshot())
	assert.Equal(t, coop.sync.Get("writer").SyncedIDs(), iso.sync.Get("writer").SyncedIDs())
}

func TestFailedPostHoldsBackSyncTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, post("1", "good", "2024-01-01"), post("2", "bad", "2024-01-02"))
	h.source.errs["bad"] = errors.New("decode failure")

	counters, err := h.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 2, false)
	require.NoError(t, err)
	assert.Equal(t, crawler.RunCounters{Success: 1, Failed: 1}, counters)

	_, synced := h.sync.Get("writer").LastSync()
	assert.False(t, synced)
	assert.Equal(t, []string{"1"}, h.sync.Get("writer").SyncedIDs())
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func TestDownloadAllEmitsProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, post("1", "good", "2024-01-01"), post("2", "bad", "2024-01-02"))
	h.source.errs["bad"] = errors.New("decode failure")
	rec := &recordingEmitter{}
	h.orch.deps.Progress = rec

	_, err := h.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 1, false)
	require.NoError(t, err)

	assert.Equal(t, []progress.Stage{
		progress.StageRunStart, progress.StagePostDone, progress.StagePostDone, progress.StageRunDone,
	}, rec.stages())
	start, done := rec.events[0], rec.events[3]
	assert.Equal(t, "run-fixed", start.RunID)
	assert.Equal(t, 2, start.Count)
	assert.Equal(t, 1, done.Count)
	assert.Equal(t, "partial", done.Note)

	outcomes := map[string]string{}
	for _, e := range rec.events[1:3] {
		outcomes[e.Slug] = e.Outcome
	}
	assert.Equal(t, map[string]string{"good": "success", "bad": "failed"}, outcomes)
}

func TestDiscoveryFailureEmitsRunError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.discovery.archiveErr = &crawler.StatusError{StatusCode: 401, Authenticated: true}
	rec := &recordingEmitter{}
	h.orch.deps.Progress = rec

	_, err := h.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 1, false)
	require.Error(t, err)
	assert.Equal(t, []progress.Stage{progress.StageRunError}, rec.stages())
}

func TestUnauthorizedAbortsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, post("1", "a", "2024-01-01"), post("2", "b", "2024-01-02"))
	h.source.errs["a"] = &crawler.StatusError{StatusCode: 401, Authenticated: true}
	h.source.errs["b"] = &crawler.StatusError{StatusCode: 401, Authenticated: true}

	counters, err := h.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 1, false)
	require.ErrorIs(t, err, crawler.ErrUnauthorized)
	assert.Equal(t, 1, counters.Failed)
	assert.True(t, counters.ExitFailure())
	_, synced := h.sync.Get("writer").LastSync()
	assert.False(t, synced)
}

func TestArchiveFailureFallsBackToSitemap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, post("9", "mapped", "2024-01-01"))
	h.discovery.archiveErr = &crawler.StatusError{StatusCode: 500}
	h.discovery.sitemap = []crawler.PostRef{
		{Slug: "mapped", URL: "https://writer.substack.com/p/mapped"},
		{Slug: "mapped", URL: "https://writer.substack.com/p/mapped"},
	}

	counters, err := h.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Success)
	assert.Equal(t, 1, h.discovery.sitemapCalls)
	assert.ElementsMatch(t, []string{"mapped", "9"}, h.sync.Get("writer").SyncedIDs())
}

func TestSitemapCandidatesResolveIDsFromCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.orch.cfg.Strategy = StrategySitemap
	h.content.PutPost(context.Background(), post("77", "known", "2024-01-01"))
	h.discovery.sitemap = []crawler.PostRef{{Slug: "known"}}
	require.NoError(t, h.sync.Get("writer").MarkPostSynced("77"))

	counters, err := h.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.AlreadySynced)
}

func TestFeedStrategyCachesNewsletter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.orch.cfg.Strategy = StrategyFeed

	_, err := h.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 1, false)
	require.NoError(t, err)

	info, err := h.orch.Info(context.Background(), "https://writer.substack.com/")
	require.NoError(t, err)
	require.NotNil(t, info.Newsletter)
	assert.Equal(t, "Writer's Notes", info.Newsletter.Title)
	assert.Equal(t, "writer", info.Author)
}

func TestMaintenanceOperations(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, post("1", "a", "2024-01-01"))
	_, err := h.orch.DownloadAll(context.Background(), "writer", datefilter.Filter{}, 1, false)
	require.NoError(t, err)

	info, err := h.orch.Info(context.Background(), "writer")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Sync.SyncedPosts)
	assert.Positive(t, info.Cache.API)

	require.NoError(t, h.orch.ResetSync("writer"))
	assert.Empty(t, h.sync.Get("writer").SyncedIDs())

	api, _ := h.orch.ClearCache(context.Background())
	assert.Positive(t, api)
	assert.Zero(t, h.content.Stats(context.Background()).Total)

	_, err = h.orch.Info(context.Background(), " ")
	require.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyAPI, s)
	s, err = ParseStrategy("feed")
	require.NoError(t, err)
	assert.Equal(t, StrategyFeed, s)
	_, err = ParseStrategy("rss")
	require.Error(t, err)
}
