package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/config"
	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/datefilter"
	"github.com/JakeFAU/substack-mirror/internal/orchestrator"
)

type fakeApp struct {
	counters crawler.RunCounters
	runErr   error

	author      string
	concurrency int
	force       bool
	reset       []string
	purged      bool
	cleared     bool
	closed      bool
}

func (f *fakeApp) DownloadAll(_ context.Context, author string, _ datefilter.Filter, concurrency int, force bool) (crawler.RunCounters, error) {
	f.author = author
	f.concurrency = concurrency
	f.force = force
	return f.counters, f.runErr
}

func (f *fakeApp) Info(_ context.Context, author string) (orchestrator.Info, error) {
	return orchestrator.Info{Author: author}, nil
}

func (f *fakeApp) ResetSync(author string) error {
	f.reset = append(f.reset, author)
	return nil
}

func (f *fakeApp) ClearCache(context.Context) (int, int) {
	f.cleared = true
	return 3, 4
}

func (f *fakeApp) PurgeExpiredCache(context.Context) int {
	f.purged = true
	return 2
}

func (f *fakeApp) Serve(context.Context) error { return nil }

func (f *fakeApp) Close() { f.closed = true }

// run executes the CLI with a fake app and returns stdout, the config the app
// was built from and the command error.
func run(t *testing.T, fake *fakeApp, args ...string) (string, config.Config, error) {
	t.Helper()
	var built config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Application, error) {
		built = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })

	opts := &rootOptions{}
	root := newRootCmd(opts)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	opts.close()
	return out.String(), built, err
}

func TestDownloadCommand(t *testing.T) {
	fake := &fakeApp{counters: crawler.RunCounters{Success: 2, AlreadySynced: 1}}
	out, cfg, err := run(t, fake, "download", "writer", "--concurrency", "3", "--force",
		"--strategy", "sitemap", "--executor", "isolated", "--output", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "writer", fake.author)
	assert.Equal(t, 3, fake.concurrency)
	assert.True(t, fake.force)
	assert.True(t, fake.closed)
	assert.Equal(t, "sitemap", cfg.Crawler.Strategy)
	assert.Equal(t, config.ExecutorIsolated, cfg.Crawler.Executor)
	assert.Contains(t, out, "mirrored 2, skipped 0, already synced 1, failed 0")
}

func TestDownloadUsesConfiguredConcurrency(t *testing.T) {
	t.Setenv("MIRROR_CRAWLER_CONCURRENCY", "7")
	fake := &fakeApp{counters: crawler.RunCounters{Success: 1}}
	_, _, err := run(t, fake, "download", "writer")
	require.NoError(t, err)
	assert.Equal(t, 7, fake.concurrency)
}

func TestDownloadFailsWhenNothingMirrored(t *testing.T) {
	fake := &fakeApp{counters: crawler.RunCounters{Failed: 2}}
	_, _, err := run(t, fake, "download", "writer")
	require.ErrorIs(t, err, errRunFailed)
	assert.True(t, fake.closed)
}

func TestDownloadSurfacesRunError(t *testing.T) {
	fake := &fakeApp{runErr: crawler.ErrUnauthorized}
	_, _, err := run(t, fake, "download", "writer")
	require.True(t, errors.Is(err, crawler.ErrUnauthorized))
}

func TestDownloadRejectsBadStrategy(t *testing.T) {
	fake := &fakeApp{}
	_, _, err := run(t, fake, "download", "writer", "--strategy", "guess")
	require.Error(t, err)
	assert.Empty(t, fake.author)
}

func TestMaintenanceCommands(t *testing.T) {
	fake := &fakeApp{}

	out, _, err := run(t, fake, "info", "writer")
	require.NoError(t, err)
	assert.Contains(t, out, `"author": "writer"`)

	out, _, err = run(t, fake, "reset-sync", "writer")
	require.NoError(t, err)
	assert.Equal(t, []string{"writer"}, fake.reset)
	assert.Contains(t, out, "sync state reset for writer")

	out, _, err = run(t, fake, "clear-cache")
	require.NoError(t, err)
	assert.True(t, fake.cleared)
	assert.Contains(t, out, "cleared 3 api and 4 page entries")

	out, _, err = run(t, fake, "clear-cache", "--expired")
	require.NoError(t, err)
	assert.True(t, fake.purged)
	assert.Contains(t, out, "purged 2 expired entries")
}
