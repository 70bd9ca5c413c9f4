// Package comments rebuilds reply trees from flat comment lists.
package comments

import (
	"strings"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

// Node is a comment with its direct replies in input order.
type Node struct {
	crawler.Comment
	Replies []*Node
}

// Build arranges comments into a forest. A comment whose parent is empty or
// absent from the input becomes a root, as does one member of any parent
// cycle, so every comment appears exactly once.
func Build(list []crawler.Comment) []*Node {
	n := len(list)
	nodes := make([]*Node, n)
	index := make(map[string]int, n)
	for i, c := range list {
		nodes[i] = &Node{Comment: c}
		if _, dup := index[c.ID]; !dup {
			index[c.ID] = i
		}
	}

	parent := make([]int, n)
	for i, c := range list {
		parent[i] = -1
		if c.ParentID == "" || c.ParentID == c.ID {
			continue
		}
		if j, ok := index[c.ParentID]; ok && j != i {
			parent[i] = j
		}
	}
	breakCycles(parent)

	var roots []*Node
	for i, node := range nodes {
		if p := parent[i]; p >= 0 {
			nodes[p].Replies = append(nodes[p].Replies, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots
}

// breakCycles detaches the earliest member of every parent cycle.
func breakCycles(parent []int) {
	const (
		unseen = iota
		onPath
		settled
	)
	state := make([]int, len(parent))
	for i := range parent {
		var path []int
		cur := i
		for state[cur] == unseen {
			state[cur] = onPath
			path = append(path, cur)
			if parent[cur] < 0 {
				break
			}
			cur = parent[cur]
		}
		if state[cur] == onPath && parent[cur] >= 0 {
			start := 0
			for k, v := range path {
				if v == cur {
					start = k
					break
				}
			}
			earliest := path[start]
			for _, v := range path[start:] {
				earliest = min(earliest, v)
			}
			parent[earliest] = -1
		}
		for _, v := range path {
			state[v] = settled
		}
	}
}

// Count returns the number of comments in the forest.
func Count(forest []*Node) int {
	total := 0
	for _, node := range forest {
		total += 1 + Count(node.Replies)
	}
	return total
}

// Render writes the forest depth first. Each comment is a header line
// "<author> - <date>" followed by its body, indented two spaces per level
// and followed by a blank line.
func Render(forest []*Node) string {
	var b strings.Builder
	for _, node := range forest {
		render(&b, node, 0)
	}
	return b.String()
}

func render(b *strings.Builder, node *Node, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteString(node.Author)
	b.WriteString(" - ")
	b.WriteString(node.Date)
	b.WriteByte('\n')
	for _, line := range strings.Split(strings.TrimRight(node.Body, "\n"), "\n") {
		if line == "" {
			b.WriteByte('\n')
			continue
		}
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	for _, reply := range node.Replies {
		render(b, reply, depth+1)
	}
}
