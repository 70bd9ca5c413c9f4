package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/clock/manual"
)

func newTestStore(t *testing.T) (*Store, *manual.Clock) {
	t.Helper()
	clk := manual.New(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "cache", "cache.db")}, clk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s, clk
}

func TestStoreRoundTripHonorsTTL(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.SetWithTTL(ctx, NamespaceAPI, "k", "v", 10*time.Second))
	got, ok := s.Get(ctx, NamespaceAPI, "k")
	require.True(t, ok)
	require.Equal(t, "v", got)

	clk.Advance(9 * time.Second)
	_, ok = s.Get(ctx, NamespaceAPI, "k")
	require.True(t, ok)

	clk.Advance(time.Second)
	_, ok = s.Get(ctx, NamespaceAPI, "k")
	require.False(t, ok, "entry must miss once its TTL has elapsed")
}

func TestStoreExpiredRowsAreNotDeletedOnRead(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.SetWithTTL(ctx, NamespaceAPI, "k", "v", time.Second))
	clk.Advance(time.Minute)
	_, ok := s.Get(ctx, NamespaceAPI, "k")
	require.False(t, ok)

	st := s.Stats(ctx)
	require.Equal(t, 1, st.API)
	require.Equal(t, 1, st.Expired)

	require.Equal(t, 1, s.PurgeExpired(ctx))
	require.Equal(t, Stats{}, s.Stats(ctx))
}

func TestStoreZeroTTLIsImmediatelyExpired(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.Set(ctx, NamespaceAPI, "k", "v"))
	require.True(t, s.SetWithTTL(ctx, NamespaceAPI, "k", "", 0))
	_, ok := s.Get(ctx, NamespaceAPI, "k")
	require.False(t, ok)
}

func TestStoreSubSecondTTLRoundsUp(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.SetWithTTL(ctx, NamespaceAPI, "k", "v", 300*time.Millisecond))
	_, ok := s.Get(ctx, NamespaceAPI, "k")
	require.True(t, ok)
}

func TestStoreNamespacesAreIndependent(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.Set(ctx, NamespaceAPI, "same", "api"))
	require.True(t, s.Set(ctx, NamespacePage, "same", "page"))

	got, ok := s.Get(ctx, NamespaceAPI, "same")
	require.True(t, ok)
	require.Equal(t, "api", got)
	got, ok = s.Get(ctx, NamespacePage, "same")
	require.True(t, ok)
	require.Equal(t, "page", got)

	require.Equal(t, 1, s.Clear(ctx, NamespacePage))
	_, ok = s.Get(ctx, NamespaceAPI, "same")
	require.True(t, ok)
}

func TestStoreClearAll(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	keys := []string{"a", "b", "c"}
	for _, k := range keys {
		require.True(t, s.Set(ctx, NamespaceAPI, k, k))
	}
	require.True(t, s.Set(ctx, NamespacePage, "p", "<html>"))
	require.Equal(t, Stats{API: 3, Page: 1, Total: 4}, s.Stats(ctx))

	api, page := s.ClearAll(ctx)
	require.Equal(t, 3, api)
	require.Equal(t, 1, page)
	for _, k := range keys {
		_, ok := s.Get(ctx, NamespaceAPI, k)
		require.False(t, ok)
	}
	require.Equal(t, Stats{}, s.Stats(ctx))
}

func TestStoreOverwriteRefreshesExpiry(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.SetWithTTL(ctx, NamespaceAPI, "k", "old", 5*time.Second))
	clk.Advance(4 * time.Second)
	require.True(t, s.SetWithTTL(ctx, NamespaceAPI, "k", "new", 5*time.Second))
	clk.Advance(4 * time.Second)

	got, ok := s.Get(ctx, NamespaceAPI, "k")
	require.True(t, ok)
	require.Equal(t, "new", got)
	require.Equal(t, 1, s.Stats(ctx).API)
}

func TestStoreReopenKeepsRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	clk := manual.New(time.Now())

	s, err := Open(ctx, Config{Path: path}, clk, zap.NewNop())
	require.NoError(t, err)
	require.True(t, s.Set(ctx, NamespaceAPI, "k", "v"))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path}, clk, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	got, ok := s.Get(ctx, NamespaceAPI, "k")
	require.True(t, ok)
	require.Equal(t, "v", got)
}

func TestStoreDegradesAfterClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "cache.db")}, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.False(t, s.Set(ctx, NamespaceAPI, "k", "v"))
	_, ok := s.Get(ctx, NamespaceAPI, "k")
	require.False(t, ok)
	require.Zero(t, s.Clear(ctx, NamespaceAPI))
	require.Equal(t, Stats{}, s.Stats(ctx))
}

func TestDisabledStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := Disabled(nil)
	require.False(t, s.Enabled())
	require.False(t, s.Set(ctx, NamespaceAPI, "k", "v"))
	_, ok := s.Get(ctx, NamespaceAPI, "k")
	require.False(t, ok)
	api, page := s.ClearAll(ctx)
	require.Zero(t, api+page)
	require.NoError(t, s.Close())
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{}, nil, zap.NewNop())
	require.Error(t, err)
}
