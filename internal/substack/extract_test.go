package substack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

const samplePage = `<html><head>
<meta property="article:published_time" content="2023-12-31T23:59:59Z">
</head><body>
<h1 class="post-title">A Title</h1>
<h3 class="subtitle">Sub</h3>
<div class="available-content"><div class="body markup">
<p>Hello <b>world</b></p>
<img src="/img/photo.png">
<img src="https://pixel.example.com/open?id=1">
<img src="data:image/gif;base64,AAAA">
<img src="https://cdn.example.com/a.jpg" width="1">
<img src="/img/photo.png">
</div></div>
</body></html>`

func TestExtractPost(t *testing.T) {
	t.Parallel()

	post, err := ExtractPost([]byte(samplePage), "https://writer.substack.com/p/a-title", "writer")
	require.NoError(t, err)

	assert.Equal(t, "A Title", post.Title)
	assert.Equal(t, "Sub", post.Subtitle)
	assert.Equal(t, "a-title", post.Slug)
	assert.Equal(t, crawler.PathHTML, post.Source)
	assert.Contains(t, post.ContentHTML, "Hello")
	require.NotNil(t, post.Date)
	assert.Equal(t, time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC), *post.Date)
	assert.False(t, post.Paywalled())
}

func TestExtractPostWithoutBody(t *testing.T) {
	t.Parallel()

	_, err := ExtractPost([]byte(`<html><body><p>nothing</p></body></html>`), "https://x.substack.com/p/y", "x")
	require.ErrorIs(t, err, ErrNoContent)
}

func TestExtractPostDetectsPaywall(t *testing.T) {
	t.Parallel()

	page := `<html><body><h1>T</h1><div class="body markup"><p>teaser</p></div><div class="paywall"></div></body></html>`
	post, err := ExtractPost([]byte(page), "https://x.substack.com/p/y", "x")
	require.NoError(t, err)
	assert.True(t, post.Paywalled())
	assert.Equal(t, "T", post.Title)
}

func TestExtractImagesSkipsTrackingAndDuplicates(t *testing.T) {
	t.Parallel()

	images := ExtractImages(samplePage, "https://writer.substack.com/p/a-title")
	assert.Equal(t, []string{"https://writer.substack.com/img/photo.png"}, images)
}

func TestImageFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "photo.png", ImageFilename("https://cdn.example.com/img/photo.png?w=100"))
	assert.Equal(t, "abc.jpeg", ImageFilename(
		"https://substackcdn.com/image/fetch/w_1456/https%3A%2F%2Fbucket.s3.amazonaws.com%2Fpublic%2Fimages%2Fabc.jpeg"))

	hashed := ImageFilename("https://cdn.example.com/image/noext")
	assert.Len(t, hashed, len("0123456789.jpg"))
	assert.Equal(t, hashed, ImageFilename("https://cdn.example.com/image/noext"))
}

func TestIsBlockPage(t *testing.T) {
	t.Parallel()

	assert.True(t, IsBlockPage([]byte("<title>Just a moment...</title>")))
	assert.False(t, IsBlockPage([]byte(samplePage)))
}
