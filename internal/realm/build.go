package realm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// Build links rows into a Tree. It fails with ErrStructure unless the rows
// form exactly one tree: one parentless root, no duplicate ids, every parent
// present, no cycles and unique path segments among siblings.
func Build(rows []Row, generation uint64) (*Tree, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no realms", ErrStructure)
	}
	if len(rows) > 1<<31-1 {
		return nil, fmt.Errorf("%w: %d realms exceed the arena limit", ErrStructure, len(rows))
	}

	t := &Tree{
		nodes:      make([]Node, len(rows)),
		byID:       make(map[int64]int32, len(rows)),
		bySegment:  make(map[segmentKey]int32, len(rows)),
		root:       noParent,
		generation: generation,
	}

	for i, r := range rows {
		if _, dup := t.byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate realm id %d", ErrStructure, r.ID)
		}
		t.byID[r.ID] = int32(i)
		t.nodes[i] = Node{
			id:      r.ID,
			name:    r.Name,
			segment: r.PathSegment,
			index:   r.Index,
			parent:  noParent,
		}
	}

	var roots []int64
	for i, r := range rows {
		if r.Parent == nil {
			roots = append(roots, r.ID)
			t.root = int32(i)
			continue
		}
		p, ok := t.byID[*r.Parent]
		if !ok {
			return nil, fmt.Errorf("%w: realm %d references missing parent %d", ErrStructure, r.ID, *r.Parent)
		}
		t.nodes[i].parent = p
	}
	switch len(roots) {
	case 0:
		return nil, fmt.Errorf("%w: no root realm", ErrStructure)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d root realms %v", ErrStructure, len(roots), roots)
	}

	if err := t.checkAcyclic(); err != nil {
		return nil, err
	}

	for i := range t.nodes {
		if int32(i) == t.root {
			continue
		}
		p := t.nodes[i].parent
		t.nodes[p].children = append(t.nodes[p].children, int32(i))
	}
	for i := range t.nodes {
		t.sortChildren(&t.nodes[i])
		for _, c := range t.nodes[i].children {
			child := &t.nodes[c]
			if child.segment == "" {
				return nil, fmt.Errorf("%w: realm %d has an empty path segment", ErrStructure, child.id)
			}
			if strings.ContainsRune(child.segment, '/') {
				return nil, fmt.Errorf("%w: realm %d has path segment %q containing '/'", ErrStructure, child.id, child.segment)
			}
			key := segmentKey{parent: int32(i), segment: child.segment}
			if other, dup := t.bySegment[key]; dup {
				return nil, fmt.Errorf("%w: realms %d and %d share path segment %q under realm %d",
					ErrStructure, t.nodes[other].id, child.id, child.segment, t.nodes[i].id)
			}
			t.bySegment[key] = c
		}
	}

	t.assignPaths()
	t.builtAt = time.Now()
	return t, nil
}

// checkAcyclic walks every node's ancestor chain towards the root. A chain
// longer than the number of nodes can only be a cycle. Nodes already known
// to reach the root are remembered, so each node is walked at most once.
func (t *Tree) checkAcyclic() error {
	reaches := roaring.New()
	reaches.Add(uint32(t.root))
	limit := len(t.nodes)

	var chain []uint32
	for i := range t.nodes {
		chain = chain[:0]
		cur := int32(i)
		for !reaches.Contains(uint32(cur)) {
			if len(chain) >= limit {
				return fmt.Errorf("%w: realm %d is part of a parent cycle", ErrStructure, t.nodes[i].id)
			}
			chain = append(chain, uint32(cur))
			cur = t.nodes[cur].parent
		}
		reaches.AddMany(chain)
	}
	return nil
}

// sortChildren orders siblings by index, breaking ties by id.
func (t *Tree) sortChildren(n *Node) {
	sort.Slice(n.children, func(a, b int) bool {
		x, y := &t.nodes[n.children[a]], &t.nodes[n.children[b]]
		if x.index != y.index {
			return x.index < y.index
		}
		return x.id < y.id
	})
}

func (t *Tree) assignPaths() {
	root := &t.nodes[t.root]
	root.path = "/"
	t.Walk(root, func(n *Node) bool {
		for _, c := range n.children {
			child := &t.nodes[c]
			child.depth = n.depth + 1
			if n.parent == noParent {
				child.path = "/" + child.segment
			} else {
				child.path = n.path + "/" + child.segment
			}
		}
		return true
	})
}
