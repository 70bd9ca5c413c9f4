package substack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoints(t *testing.T) {
	t.Parallel()

	e := NewEndpoints("")
	assert.Equal(t, "https://w.substack.com/p/a-b", e.Post("w", "a-b"))
	assert.Equal(t, "https://w.substack.com/api/v1/posts/a", e.PostAPI("w", "a"))
	assert.Equal(t, "https://w.substack.com/api/v1/archive?limit=12&offset=24&sort=new", e.ArchiveAPI("w", 24, 12))
	assert.Equal(t, "https://w.substack.com/api/v1/post/7/comments?all_comments=true&sort=oldest_first", e.CommentsAPI("w", "7"))

	fixed := NewEndpoints("http://127.0.0.1:8080/")
	assert.Equal(t, "http://127.0.0.1:8080/sitemap.xml", fixed.Sitemap("ignored"))
}

func TestParseAuthorAndSlug(t *testing.T) {
	t.Parallel()

	author, err := ParseAuthor("https://www.writer.substack.com/p/x")
	require.NoError(t, err)
	assert.Equal(t, "writer", author)

	_, err = ParseAuthor("https://example.com/p/x")
	require.ErrorIs(t, err, ErrUnparseable)

	slug, err := ParseSlug("https://writer.substack.com/p/my-post?utm=1")
	require.NoError(t, err)
	assert.Equal(t, "my-post", slug)

	_, err = ParseSlug("https://writer.substack.com/about")
	require.ErrorIs(t, err, ErrUnparseable)
}

func TestNormalizeAuthor(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"Writer":                          "writer",
		"writer.substack.com":             "writer",
		"https://writer.substack.com/p/x": "writer",
	} {
		got, err := NormalizeAuthor(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := NormalizeAuthor("  ")
	require.Error(t, err)
}

func TestSameHostPost(t *testing.T) {
	t.Parallel()

	assert.True(t, SameHostPost("https://w.substack.com", "https://W.substack.com/p/a"))
	assert.False(t, SameHostPost("https://w.substack.com", "https://w.substack.com/archive"))
	assert.False(t, SameHostPost("https://w.substack.com", "https://x.substack.com/p/a"))
}
