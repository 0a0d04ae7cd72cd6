package spatial

import (
	"container/heap"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/poiesic/atomstore/core"
)

const (
	// MaxDims is the largest coordinate dimension a tree accepts.
	MaxDims = 8

	maxEntries = 16
	minEntries = 6
)

// Item is one indexed coordinate.
type Item struct {
	AtomID core.AtomID
	Point  []float64
}

// Neighbor is a search hit. Distance is measured between coordinates and
// only approximates the distance between the original vectors.
type Neighbor struct {
	AtomID   core.AtomID
	ModelID  string
	Distance float64
}

// entry is a child pointer in an internal node or an item in a leaf.
// In a leaf, bounds is the item's point.
type entry struct {
	bounds rect
	child  *node
	id     core.AtomID
}

// node is never modified once it is reachable from a published root.
type node struct {
	leaf    bool
	entries []entry
}

func (n *node) clone() *node {
	entries := make([]entry, len(n.entries), len(n.entries)+1)
	copy(entries, n.entries)
	return &node{leaf: n.leaf, entries: entries}
}

func (n *node) bounds() rect {
	r := n.entries[0].bounds.clone()
	for _, e := range n.entries[1:] {
		r.extend(e.bounds)
	}
	return r
}

type root struct {
	node *node
	size int
	gen  uint64
}

// RTree is a persistent R-tree over points of a fixed dimension, using
// Guttman's quadratic split. An atom id appears at most once; inserting it
// again moves it.
//
// Writers are serialized. Readers load the current root and traverse it
// without locking.
type RTree struct {
	dims int
	root atomic.Pointer[root]

	mu    sync.Mutex
	where map[core.AtomID][]float64
}

// NewRTree creates an empty tree for points of the given dimension.
func NewRTree(dims int) (*RTree, error) {
	if dims < 1 || dims > MaxDims {
		return nil, fmt.Errorf("%w: got %d, want 1 to %d", ErrInvalidDimensions, dims, MaxDims)
	}
	t := &RTree{
		dims:  dims,
		where: make(map[core.AtomID][]float64),
	}
	t.root.Store(&root{node: &node{leaf: true}})
	return t, nil
}

// Dims returns the dimension of indexed points.
func (t *RTree) Dims() int { return t.dims }

// Len returns the number of indexed items.
func (t *RTree) Len() int { return t.root.Load().size }

// Generation counts the changes made to the tree since it was created.
func (t *RTree) Generation() uint64 { return t.root.Load().gen }

func (t *RTree) check(point []float64) error {
	if err := core.CheckDimension("", t.dims, len(point)); err != nil {
		return err
	}
	for i, x := range point {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: component %d is %v", ErrInvalidCoordinate, i, x)
		}
	}
	return nil
}

// Insert indexes id at point, replacing any previous point of id.
func (t *RTree) Insert(point []float64, id core.AtomID) error {
	if err := t.check(point); err != nil {
		return err
	}
	p := slices.Clone(point)

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root.Load()
	n, size := cur.node, cur.size
	if old, ok := t.where[id]; ok {
		if slices.Equal(old, p) {
			return nil
		}
		n = t.remove(n, old, id)
		size--
	}
	n = insertRoot(n, entry{bounds: pointRect(p), id: id})
	t.where[id] = p
	t.root.Store(&root{node: n, size: size + 1, gen: cur.gen + 1})
	return nil
}

// Remove deletes id if it is indexed at point.
// Returns false when it is not.
func (t *RTree) Remove(point []float64, id core.AtomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.where[id]
	if !ok || !slices.Equal(old, point) {
		return false
	}
	t.removeLocked(id, old)
	return true
}

// RemoveKey deletes id wherever it is indexed.
// Returns false when it is not indexed.
func (t *RTree) RemoveKey(id core.AtomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.where[id]
	if !ok {
		return false
	}
	t.removeLocked(id, old)
	return true
}

func (t *RTree) removeLocked(id core.AtomID, point []float64) {
	cur := t.root.Load()
	n := t.remove(cur.node, point, id)
	delete(t.where, id)
	t.root.Store(&root{node: n, size: cur.size - 1, gen: cur.gen + 1})
}

// Point returns the indexed point of id.
func (t *RTree) Point(id core.AtomID) ([]float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.where[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(p), true
}

// Items returns every indexed item in no particular order.
func (t *RTree) Items() []Item {
	cur := t.root.Load()
	items := make([]Item, 0, cur.size)
	for _, e := range collect(cur.node, nil) {
		items = append(items, Item{AtomID: e.id, Point: slices.Clone(e.bounds.min)})
	}
	return items
}

// insertRoot inserts a leaf entry below n and grows a new root on split.
func insertRoot(n *node, e entry) *node {
	a, b := insert(n, e)
	if b == nil {
		return a
	}
	return &node{entries: []entry{
		{bounds: a.bounds(), child: a},
		{bounds: b.bounds(), child: b},
	}}
}

// insert returns the copy of n with e added, split in two when it overflows.
func insert(n *node, e entry) (*node, *node) {
	c := n.clone()
	if c.leaf {
		c.entries = append(c.entries, e)
	} else {
		i := chooseSubtree(c.entries, e.bounds)
		a, b := insert(c.entries[i].child, e)
		c.entries[i] = entry{bounds: a.bounds(), child: a}
		if b != nil {
			c.entries = append(c.entries, entry{bounds: b.bounds(), child: b})
		}
	}
	if len(c.entries) > maxEntries {
		return split(c)
	}
	return c, nil
}

// chooseSubtree picks the child needing the least enlargement, then the
// smallest child.
func chooseSubtree(entries []entry, r rect) int {
	best := 0
	var bestGrow, bestCost cost
	for i, e := range entries {
		c := costOf(e.bounds)
		grow := costOf(e.bounds.union(r)).sub(c)
		if i == 0 || grow.less(bestGrow) || (grow == bestGrow && c.less(bestCost)) {
			best, bestGrow, bestCost = i, grow, c
		}
	}
	return best
}

// split distributes the entries of an overfull node over two new nodes.
func split(n *node) (*node, *node) {
	s1, s2 := pickSeeds(n.entries)
	a := &node{leaf: n.leaf, entries: make([]entry, 0, maxEntries+1)}
	b := &node{leaf: n.leaf, entries: make([]entry, 0, maxEntries+1)}
	a.entries = append(a.entries, n.entries[s1])
	b.entries = append(b.entries, n.entries[s2])
	ab := n.entries[s1].bounds.clone()
	bb := n.entries[s2].bounds.clone()

	rest := make([]entry, 0, len(n.entries)-2)
	for i, e := range n.entries {
		if i != s1 && i != s2 {
			rest = append(rest, e)
		}
	}

	for len(rest) > 0 {
		if len(a.entries)+len(rest) <= minEntries {
			a.entries = append(a.entries, rest...)
			break
		}
		if len(b.entries)+len(rest) <= minEntries {
			b.entries = append(b.entries, rest...)
			break
		}

		// Take the entry with the strongest preference for one group.
		next := 0
		var nextPref cost
		var growA, growB cost
		for i, e := range rest {
			ga := costOf(ab.union(e.bounds)).sub(costOf(ab))
			gb := costOf(bb.union(e.bounds)).sub(costOf(bb))
			pref := cost{volume: math.Abs(ga.volume - gb.volume), margin: math.Abs(ga.margin - gb.margin)}
			if i == 0 || nextPref.less(pref) {
				next, nextPref, growA, growB = i, pref, ga, gb
			}
		}
		e := rest[next]
		rest[next] = rest[len(rest)-1]
		rest = rest[:len(rest)-1]

		toA := growA.less(growB)
		if growA == growB {
			ca, cb := costOf(ab), costOf(bb)
			toA = ca.less(cb) || (ca == cb && len(a.entries) <= len(b.entries))
		}
		if toA {
			a.entries = append(a.entries, e)
			ab.extend(e.bounds)
		} else {
			b.entries = append(b.entries, e)
			bb.extend(e.bounds)
		}
	}
	return a, b
}

// pickSeeds returns the pair of entries that would waste the most space
// if grouped together.
func pickSeeds(entries []entry) (int, int) {
	s1, s2 := 0, 1
	var worst cost
	first := true
	for i := 0; i < len(entries); i++ {
		ci := costOf(entries[i].bounds)
		for j := i + 1; j < len(entries); j++ {
			waste := costOf(entries[i].bounds.union(entries[j].bounds)).sub(ci).sub(costOf(entries[j].bounds))
			if first || worst.less(waste) {
				s1, s2, worst, first = i, j, waste, false
			}
		}
	}
	return s1, s2
}

// remove deletes id at point below n, then shrinks the root and reinserts
// the items of nodes that fell below the minimum fill.
func (t *RTree) remove(n *node, point []float64, id core.AtomID) *node {
	repl, orphans, found := removeFrom(n, point, id)
	if !found {
		return n
	}
	for !repl.leaf && len(repl.entries) == 1 {
		repl = repl.entries[0].child
	}
	if !repl.leaf && len(repl.entries) == 0 {
		repl = &node{leaf: true}
	}
	for _, e := range orphans {
		repl = insertRoot(repl, e)
	}
	return repl
}

func removeFrom(n *node, point []float64, id core.AtomID) (*node, []entry, bool) {
	if n.leaf {
		for i, e := range n.entries {
			if e.id == id {
				c := n.clone()
				c.entries = slices.Delete(c.entries, i, i+1)
				return c, nil, true
			}
		}
		return n, nil, false
	}

	for i, e := range n.entries {
		if !e.bounds.contains(point) {
			continue
		}
		child, orphans, found := removeFrom(e.child, point, id)
		if !found {
			continue
		}
		c := n.clone()
		if len(child.entries) < minEntries {
			orphans = collect(child, orphans)
			c.entries = slices.Delete(c.entries, i, i+1)
		} else {
			c.entries[i] = entry{bounds: child.bounds(), child: child}
		}
		return c, orphans, true
	}
	return n, nil, false
}

// collect appends every leaf entry below n to out.
func collect(n *node, out []entry) []entry {
	if n.leaf {
		return append(out, n.entries...)
	}
	for _, e := range n.entries {
		out = collect(e.child, out)
	}
	return out
}

// KNearest returns up to k items closest to q, nearest first. Items for
// which filter returns false are skipped; a nil filter accepts everything.
// Ties are broken by atom id.
func (t *RTree) KNearest(q []float64, k int, filter func(core.AtomID) bool) ([]Neighbor, error) {
	if err := t.check(q); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	cur := t.root.Load()
	if cur.size == 0 {
		return nil, nil
	}

	results := make([]Neighbor, 0, min(k, cur.size))
	pq := &queue{{node: cur.node}}
	for pq.Len() > 0 && len(results) < k {
		top := heap.Pop(pq).(queued)
		if top.node == nil {
			results = append(results, Neighbor{AtomID: top.id, Distance: math.Sqrt(top.dist2)})
			continue
		}
		for _, e := range top.node.entries {
			if top.node.leaf {
				if filter != nil && !filter(e.id) {
					continue
				}
				heap.Push(pq, queued{dist2: e.bounds.minDist2(q), id: e.id})
				continue
			}
			heap.Push(pq, queued{dist2: e.bounds.minDist2(q), node: e.child})
		}
	}
	return results, nil
}

// Range returns every item within radius of q, in no particular order.
func (t *RTree) Range(q []float64, radius float64) ([]Neighbor, error) {
	if err := t.check(q); err != nil {
		return nil, err
	}
	if radius < 0 || math.IsNaN(radius) {
		return nil, nil
	}
	r2 := radius * radius

	var results []Neighbor
	stack := []*node{t.root.Load().node}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range n.entries {
			d2 := e.bounds.minDist2(q)
			if d2 > r2 {
				continue
			}
			if n.leaf {
				results = append(results, Neighbor{AtomID: e.id, Distance: math.Sqrt(d2)})
			} else {
				stack = append(stack, e.child)
			}
		}
	}
	return results, nil
}

// queued is a node or an item waiting in the best-first search queue.
type queued struct {
	dist2 float64
	node  *node
	id    core.AtomID
}

// queue is a min-heap on distance. Nodes pop before items at the same
// distance, so every item tied at that distance is queued before the
// lowest id among them is emitted.
type queue []queued

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].dist2 != q[j].dist2 {
		return q[i].dist2 < q[j].dist2
	}
	iItem, jItem := q[i].node == nil, q[j].node == nil
	if iItem != jItem {
		return jItem
	}
	return q[i].id < q[j].id
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(queued)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}
