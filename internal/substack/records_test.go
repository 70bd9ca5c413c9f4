package substack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePostDefaultsAndIDs(t *testing.T) {
	t.Parallel()

	e := NewEndpoints("")
	post, err := decodePost([]byte(`{
		"id": 12345,
		"slug": "hello",
		"title": " Hello ",
		"post_date": "2024-03-01T10:00:00.000Z",
		"body_html": "<p>hi</p>",
		"publishedBylines": [{"name": "Ann", "handle": "ann"}]
	}`), "writer", e)
	require.NoError(t, err)

	assert.Equal(t, "12345", post.ID)
	assert.Equal(t, "Hello", post.Title)
	assert.Equal(t, "everyone", post.Audience)
	assert.Equal(t, "https://writer.substack.com/p/hello", post.URL)
	require.NotNil(t, post.Date)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), *post.Date)
	require.Len(t, post.Bylines, 1)
	assert.Equal(t, "ann", post.Bylines[0].Handle)
	assert.Equal(t, "Ann", post.Bylines[0].Name)
}

func TestDecodePostRejectsMissingSlug(t *testing.T) {
	t.Parallel()

	_, err := decodePost([]byte(`{"id":"1"}`), "writer", NewEndpoints(""))
	require.Error(t, err)

	_, err = decodePost([]byte(`not json`), "writer", NewEndpoints(""))
	require.Error(t, err)
}

func TestDecodeArchiveSkipsInvalidRecords(t *testing.T) {
	t.Parallel()

	posts, err := decodeArchive([]byte(`[
		{"id": 1, "slug": "a", "audience": "only_paid"},
		{"id": null, "slug": "b"},
		{"id": "3", "slug": "c"}
	]`), "writer", NewEndpoints(""))
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "a", posts[0].Slug)
	assert.True(t, posts[0].Paywalled())
	assert.Equal(t, "3", posts[1].ID)
}

func TestDecodeCommentsFlatAndNested(t *testing.T) {
	t.Parallel()

	flat, err := decodeComments([]byte(`[
		{"id": 1, "body": "root", "created_at": "2024-01-01", "commenter": {"name": "A"}},
		{"id": 2, "parent_id": 1, "body": "reply", "name": "B"}
	]`))
	require.NoError(t, err)
	require.Len(t, flat, 2)
	assert.Equal(t, "A", flat[0].Author)
	assert.Equal(t, "2024-01-01", flat[0].Date)
	assert.Equal(t, "1", flat[1].ParentID)

	nested, err := decodeComments([]byte(`{"comments": [
		{"id": 10, "body": "top", "date": "d1", "children": [
			{"id": 11, "body": "child", "children": [{"id": 12, "body": "grandchild"}]}
		]},
		{"body": "no id"}
	]}`))
	require.NoError(t, err)
	require.Len(t, nested, 3)
	assert.Empty(t, nested[0].ParentID)
	assert.Equal(t, "10", nested[1].ParentID)
	assert.Equal(t, "11", nested[2].ParentID)
	assert.Equal(t, "Anonymous", nested[2].Author)
}

func TestDecodeCommentsKeepsRepliesOfInvalidRecords(t *testing.T) {
	t.Parallel()

	comments, err := decodeComments([]byte(`{"comments": [
		{"id": null, "name": "ghost", "children": [{"id": 2, "name": "bob", "body": "reply"}]},
		{"id": 5, "body": "top", "children": [
			{"body": "no id", "children": [{"id": 6, "body": "nested reply"}]}
		]}
	]}`))
	require.NoError(t, err)
	require.Len(t, comments, 3)

	assert.Equal(t, "2", comments[0].ID)
	assert.Empty(t, comments[0].ParentID, "reply of an id-less root becomes a root")
	assert.Equal(t, "bob", comments[0].Author)
	assert.Equal(t, "5", comments[1].ID)
	assert.Equal(t, "6", comments[2].ID)
	assert.Equal(t, "5", comments[2].ParentID, "reply keeps the enclosing parent")
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"2024-01-02":                      true,
		"2024-01-02T03:04:05Z":            true,
		"2024-01-02T03:04:05.123+02:00":   true,
		"Tue, 02 Jan 2024 03:04:05 +0000": true,
		"1704164645":                      true,
		"":                                false,
		"yesterday":                       false,
	}
	for in, ok := range cases {
		got := ParseDate(in)
		assert.Equal(t, ok, got != nil, in)
		if got != nil {
			assert.Equal(t, time.UTC, got.Location(), in)
		}
	}
}
