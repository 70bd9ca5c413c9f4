package comments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

func c(id, parent string) crawler.Comment {
	return crawler.Comment{ID: id, ParentID: parent, Author: "a" + id, Date: "d" + id, Body: "body " + id}
}

func TestBuildForestShape(t *testing.T) {
	t.Parallel()

	forest := Build([]crawler.Comment{c("1", ""), c("2", "1"), c("3", ""), c("4", "2")})
	require.Len(t, forest, 2)
	assert.Equal(t, "1", forest[0].ID)
	require.Len(t, forest[0].Replies, 1)
	assert.Equal(t, "2", forest[0].Replies[0].ID)
	require.Len(t, forest[0].Replies[0].Replies, 1)
	assert.Equal(t, "4", forest[0].Replies[0].Replies[0].ID)
	assert.Equal(t, "3", forest[1].ID)
	assert.Empty(t, forest[1].Replies)
	assert.Equal(t, 4, Count(forest))
}

func TestUnknownParentBecomesRoot(t *testing.T) {
	t.Parallel()

	forest := Build([]crawler.Comment{c("1", "missing"), c("2", "1")})
	require.Len(t, forest, 1)
	assert.Equal(t, "1", forest[0].ID)
	assert.Equal(t, 2, Count(forest))
}

func TestSiblingOrderPreserved(t *testing.T) {
	t.Parallel()

	forest := Build([]crawler.Comment{c("r", ""), c("z", "r"), c("a", "r"), c("m", "r")})
	require.Len(t, forest, 1)
	var ids []string
	for _, reply := range forest[0].Replies {
		ids = append(ids, reply.ID)
	}
	assert.Equal(t, []string{"z", "a", "m"}, ids)
}

func TestCyclesDoNotDropComments(t *testing.T) {
	t.Parallel()

	forest := Build([]crawler.Comment{c("self", "self"), c("a", "b"), c("b", "a"), c("x", "a")})
	assert.Equal(t, 4, Count(forest))
	require.Len(t, forest, 2)
	assert.Equal(t, "self", forest[0].ID)
	assert.Equal(t, "a", forest[1].ID)
	require.Len(t, forest[1].Replies, 2)
	assert.Equal(t, "b", forest[1].Replies[0].ID)
	assert.Equal(t, "x", forest[1].Replies[1].ID)
}

func TestRender(t *testing.T) {
	t.Parallel()

	forest := Build([]crawler.Comment{
		{ID: "1", Author: "Ann", Date: "2024-01-01", Body: "first\nline two"},
		{ID: "2", ParentID: "1", Author: "Bo", Date: "2024-01-02", Body: "reply"},
	})
	want := "Ann - 2024-01-01\nfirst\nline two\n\n" +
		"  Bo - 2024-01-02\n  reply\n\n"
	assert.Equal(t, want, Render(forest))
	assert.Empty(t, Render(nil))
}
