// Package thread builds the reply-graph for a mailbox: a DAG over parsed
// messages where an edge runs from a referenced mail to the mail that
// replied to it, with placeholder vertices synthesized for references
// nothing local has a copy of.
package thread

import (
	"fmt"
	"sort"

	"github.com/FliegendeWurst/inboxid/internal/mailmsg"
)

// Node is one rendered position in the reply tree: a mail (real or pseudo)
// together with its replies, already ordered for display.
type Node struct {
	Record   *mailmsg.Record
	Children []*Node
}

// vertex is one entry in the graph's arena.
type vertex struct {
	record   *mailmsg.Record
	children []int // indices of mails that are direct replies to this one
	hasInbound bool
}

// Graph is the reply DAG for a single mailbox's worth of parsed mail.
// Vertex identity is by Message-ID, never by pointer, so the same
// reference resolves to the same vertex however many mails cite it.
type Graph struct {
	vertices []*vertex
	byID     map[string]int
}

// Build constructs the reply graph for mails. A duplicate Message-ID
// within the input is a fatal data error: the caller's index promised
// uniqueness within a mailbox, and a collision here means something
// upstream is corrupt.
func Build(mails []*mailmsg.Record) (*Graph, error) {
	g := &Graph{byID: make(map[string]int, len(mails))}
	for _, m := range mails {
		if _, dup := g.byID[m.MessageID]; dup {
			return nil, fmt.Errorf("thread: duplicate message id %q", m.MessageID)
		}
		g.byID[m.MessageID] = len(g.vertices)
		g.vertices = append(g.vertices, &vertex{record: m})
	}

	for _, m := range mails {
		mailIdx := g.byID[m.MessageID]
		for _, parentID := range m.InReplyTo {
			parentIdx, ok := g.byID[parentID]
			if !ok {
				parentIdx = len(g.vertices)
				g.byID[parentID] = parentIdx
				g.vertices = append(g.vertices, &vertex{record: mailmsg.Pseudo(parentID, parentID)})
			}
			g.addEdge(parentIdx, mailIdx)
		}
	}

	return g, nil
}

func (g *Graph) addEdge(parent, child int) {
	g.vertices[parent].children = append(g.vertices[parent].children, child)
	g.vertices[child].hasInbound = true
}

// subtreeMaxUnixNano is the latest Date reachable from start, including
// start itself, as Unix nanoseconds so callers can compare without
// allocating. It runs its own visited set rather than relying on one
// shared across calls, since the reply graph can contain cycles on
// malformed input and every root/reply sort needs a fresh traversal
// anyway.
func (g *Graph) subtreeMaxUnixNano(start int) int64 {
	visited := map[int]bool{start: true}
	stack := []int{start}
	maxNano := g.vertices[start].record.Date.UnixNano()
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range g.vertices[idx].children {
			if visited[c] {
				continue
			}
			visited[c] = true
			if n := g.vertices[c].record.Date.UnixNano(); n > maxNano {
				maxNano = n
			}
			stack = append(stack, c)
		}
	}
	return maxNano
}

// roots returns the indices of every vertex with no incoming edge, sorted
// ascending by subtree-max-date.
func (g *Graph) roots() []int {
	var roots []int
	for i, v := range g.vertices {
		if !v.hasInbound {
			roots = append(roots, i)
		}
	}
	g.sortByMaxDate(roots)
	return roots
}

// sortByMaxDate orders idxs ascending by subtree-max-date, stably so equal
// dates preserve arena order (and therefore input order).
func (g *Graph) sortByMaxDate(idxs []int) {
	sort.SliceStable(idxs, func(a, b int) bool {
		return g.subtreeMaxUnixNano(idxs[a]) < g.subtreeMaxUnixNano(idxs[b])
	})
}

// Render walks the graph depth-first from every root, in subtree-max-date
// order, emitting each vertex exactly once via a shared visited set. A
// pseudo vertex only ever appears here as a root: nothing can reference it
// as a reply, since it exists solely to stand in for a missing parent.
func (g *Graph) Render() []*Node {
	visited := make(map[int]bool, len(g.vertices))
	var out []*Node
	for _, r := range g.roots() {
		if n := g.renderFrom(r, visited); n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) renderFrom(idx int, visited map[int]bool) *Node {
	if visited[idx] {
		return nil
	}
	visited[idx] = true

	children := append([]int(nil), g.vertices[idx].children...)
	g.sortByMaxDate(children)

	node := &Node{Record: g.vertices[idx].record}
	for _, c := range children {
		if child := g.renderFrom(c, visited); child != nil {
			node.Children = append(node.Children, child)
		}
	}
	return node
}

// ConversationSizes counts, for every Message-ID that appears anywhere as
// a mail's own id, or in one of its References or In-Reply-To headers, how
// many mails cite it; a mail that names the same id more than once counts
// once. It does not affect graph construction; a downstream
// listing can use it to rank mailboxes or threads by reply-count the way
// the original browser sorted threads before rendering them.
func ConversationSizes(mails []*mailmsg.Record) map[string]int {
	sizes := make(map[string]int)
	for _, m := range mails {
		cited := map[string]bool{m.MessageID: true}
		for _, id := range m.References {
			cited[id] = true
		}
		for _, id := range m.InReplyTo {
			cited[id] = true
		}
		for id := range cited {
			sizes[id]++
		}
	}
	return sizes
}
