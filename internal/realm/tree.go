// Package realm holds the in-memory realm tree.
//
// A Tree is an immutable snapshot of every realm, built in one pass from the
// realms table. Nodes live in a flat arena; parent and child links are arena
// indices, so a snapshot has no pointer cycles and can be shared by any
// number of goroutines without locking. Structural changes never edit a
// snapshot: the Holder loads a new one and swaps it in wholesale.
package realm

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for lookups of unknown realms.
	ErrNotFound = errors.New("realm not found")
	// ErrStructure means the stored realms do not form a single rooted tree.
	ErrStructure = errors.New("realm structure violation")
)

const noParent = -1

// Row is one realm as stored in the database.
type Row struct {
	ID          int64
	Parent      *int64 // nil only for the root realm
	Name        string
	PathSegment string
	Index       int32
}

// Node is one realm inside a Tree. Nodes are read-only.
type Node struct {
	id       int64
	name     string
	segment  string
	index    int32
	parent   int32
	children []int32
	depth    int
	path     string
}

func (n *Node) ID() int64           { return n.id }
func (n *Node) Name() string        { return n.name }
func (n *Node) PathSegment() string { return n.segment }
func (n *Node) Index() int32        { return n.index }
func (n *Node) IsRoot() bool        { return n.parent == noParent }

// Depth is the number of edges between the node and the root.
func (n *Node) Depth() int { return n.depth }

// Path is the slash-separated path from the root, "/" for the root itself.
func (n *Node) Path() string { return n.path }

type segmentKey struct {
	parent  int32
	segment string
}

// Tree is an immutable, fully linked realm snapshot.
type Tree struct {
	nodes      []Node
	byID       map[int64]int32
	bySegment  map[segmentKey]int32
	root       int32
	generation uint64
	builtAt    time.Time
}

// Generation identifies the snapshot. Later snapshots have larger values.
func (t *Tree) Generation() uint64 { return t.generation }

// BuiltAt reports when the snapshot was linked.
func (t *Tree) BuiltAt() time.Time { return t.builtAt }

// Len is the number of realms in the snapshot.
func (t *Tree) Len() int { return len(t.nodes) }

// Root returns the root realm.
func (t *Tree) Root() *Node { return &t.nodes[t.root] }

// Get returns the realm with the given id.
func (t *Tree) Get(id int64) (*Node, bool) {
	i, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return &t.nodes[i], true
}

// Parent returns the parent of n; false for the root.
func (t *Tree) Parent(n *Node) (*Node, bool) {
	if n.parent == noParent {
		return nil, false
	}
	return &t.nodes[n.parent], true
}

// Children returns the children of n in sibling order.
func (t *Tree) Children(n *Node) []*Node {
	out := make([]*Node, len(n.children))
	for i, c := range n.children {
		out[i] = &t.nodes[c]
	}
	return out
}

// Ancestors returns the chain from n itself up to and including the root.
func (t *Tree) Ancestors(n *Node) []*Node {
	out := make([]*Node, 0, n.depth+1)
	for cur := n; ; {
		out = append(out, cur)
		p, ok := t.Parent(cur)
		if !ok {
			return out
		}
		cur = p
	}
}

// Child returns the child of n with the given path segment.
func (t *Tree) Child(n *Node, segment string) (*Node, bool) {
	i, ok := t.bySegment[segmentKey{parent: t.index(n), segment: segment}]
	if !ok {
		return nil, false
	}
	return &t.nodes[i], true
}

// ByPath follows segments from the root. An empty slice yields the root.
func (t *Tree) ByPath(segments []string) (*Node, bool) {
	cur := t.Root()
	for _, s := range segments {
		next, ok := t.Child(cur, s)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Resolve looks up a slash-separated path such as "/lectures/physics".
// Empty segments are ignored, so "", "/" and "//" all name the root.
func (t *Tree) Resolve(path string) (*Node, bool) {
	return t.ByPath(SplitPath(path))
}

// IsAncestor reports whether a is b or one of b's ancestors.
func (t *Tree) IsAncestor(a, b *Node) bool {
	if a.depth > b.depth {
		return false
	}
	cur := b
	for cur.depth > a.depth {
		cur = &t.nodes[cur.parent]
	}
	return cur == a
}

// Subtree returns the ids of n and all its descendants in pre-order.
func (t *Tree) Subtree(n *Node) []int64 {
	var out []int64
	t.Walk(n, func(m *Node) bool {
		out = append(out, m.id)
		return true
	})
	return out
}

// Walk visits n and its descendants in pre-order, siblings in order. If fn
// returns false the node's descendants are skipped.
func (t *Tree) Walk(n *Node, fn func(*Node) bool) {
	stack := []int32{t.index(n)}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(&t.nodes[i]) {
			continue
		}
		children := t.nodes[i].children
		for c := len(children) - 1; c >= 0; c-- {
			stack = append(stack, children[c])
		}
	}
}

func (t *Tree) index(n *Node) int32 {
	return t.byID[n.id]
}

// SplitPath splits a slash-separated realm path into its segments.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
