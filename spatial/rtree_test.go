package spatial

import (
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"testing"

	"github.com/poiesic/atomstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPoint(rng *rand.Rand, dims int) []float64 {
	p := make([]float64, dims)
	for i := range p {
		p[i] = rng.Float64() * 2
	}
	return p
}

func pointDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// bruteForce returns the k nearest items ordered the way KNearest orders them.
func bruteForce(points map[core.AtomID][]float64, q []float64, k int) []Neighbor {
	all := make([]Neighbor, 0, len(points))
	for id, p := range points {
		all = append(all, Neighbor{AtomID: id, Distance: pointDistance(p, q)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance != all[j].Distance {
			return all[i].Distance < all[j].Distance
		}
		return all[i].AtomID < all[j].AtomID
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// checkTree verifies the structural invariants of the current root.
func checkTree(t *testing.T, tree *RTree) {
	t.Helper()
	cur := tree.root.Load()
	leafDepth := -1
	count := 0

	var walk func(n *node, depth int, isRoot bool)
	walk = func(n *node, depth int, isRoot bool) {
		require.LessOrEqual(t, len(n.entries), maxEntries)
		if !isRoot {
			require.GreaterOrEqual(t, len(n.entries), minEntries)
		}
		if n.leaf {
			if leafDepth < 0 {
				leafDepth = depth
			}
			require.Equal(t, leafDepth, depth, "leaves at different depths")
			count += len(n.entries)
			return
		}
		for _, e := range n.entries {
			require.NotNil(t, e.child)
			b := e.child.bounds()
			assert.Equal(t, b.min, e.bounds.min)
			assert.Equal(t, b.max, e.bounds.max)
			walk(e.child, depth+1, false)
		}
	}
	walk(cur.node, 0, true)
	require.Equal(t, cur.size, count)
}

func TestNewRTree_Dimensions(t *testing.T) {
	_, err := NewRTree(0)
	assert.ErrorIs(t, err, ErrInvalidDimensions)
	_, err = NewRTree(MaxDims + 1)
	assert.ErrorIs(t, err, ErrInvalidDimensions)

	tree, err := NewRTree(3)
	require.NoError(t, err)
	assert.Equal(t, 3, tree.Dims())
	assert.Equal(t, 0, tree.Len())
}

func TestRTree_KNearestMatchesBruteForce(t *testing.T) {
	for _, dims := range []int{1, 3, 5} {
		rng := rand.New(rand.NewPCG(uint64(dims), 99))
		tree, err := NewRTree(dims)
		require.NoError(t, err)

		points := make(map[core.AtomID][]float64)
		for i := 1; i <= 2000; i++ {
			p := randomPoint(rng, dims)
			require.NoError(t, tree.Insert(p, core.AtomID(i)))
			points[core.AtomID(i)] = p
		}
		require.Equal(t, 2000, tree.Len())
		checkTree(t, tree)

		for trial := 0; trial < 25; trial++ {
			q := randomPoint(rng, dims)
			got, err := tree.KNearest(q, 10, nil)
			require.NoError(t, err)
			want := bruteForce(points, q, 10)
			require.Len(t, got, 10)
			for i := range want {
				assert.Equal(t, want[i].AtomID, got[i].AtomID, "dims %d trial %d rank %d", dims, trial, i)
				assert.InDelta(t, want[i].Distance, got[i].Distance, 1e-12)
			}
		}
	}
}

func TestRTree_KNearestMoreThanLen(t *testing.T) {
	tree, err := NewRTree(2)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		require.NoError(t, tree.Insert([]float64{float64(i), 0}, core.AtomID(i)))
	}

	got, err := tree.KNearest([]float64{0, 0}, 100, nil)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, n := range got {
		assert.Equal(t, core.AtomID(i+1), n.AtomID)
	}

	none, err := tree.KNearest([]float64{0, 0}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRTree_KNearestFilter(t *testing.T) {
	tree, err := NewRTree(1)
	require.NoError(t, err)
	for i := 1; i <= 100; i++ {
		require.NoError(t, tree.Insert([]float64{float64(i)}, core.AtomID(i)))
	}

	even := func(id core.AtomID) bool { return id%2 == 0 }
	got, err := tree.KNearest([]float64{0}, 3, even)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []core.AtomID{2, 4, 6}, []core.AtomID{got[0].AtomID, got[1].AtomID, got[2].AtomID})
}

func TestRTree_IdenticalPoints(t *testing.T) {
	tree, err := NewRTree(3)
	require.NoError(t, err)
	p := []float64{0.5, 0.5, 0.5}
	for i := 1; i <= 200; i++ {
		require.NoError(t, tree.Insert(p, core.AtomID(i)))
	}
	checkTree(t, tree)

	got, err := tree.KNearest(p, 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, n := range got {
		assert.Equal(t, core.AtomID(i+1), n.AtomID, "ties break by id")
		assert.Equal(t, 0.0, n.Distance)
	}

	for i := 1; i <= 200; i += 2 {
		require.True(t, tree.RemoveKey(core.AtomID(i)))
	}
	checkTree(t, tree)
	assert.Equal(t, 100, tree.Len())
}

func TestRTree_Remove(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	tree, err := NewRTree(3)
	require.NoError(t, err)

	points := make(map[core.AtomID][]float64)
	for i := 1; i <= 1000; i++ {
		p := randomPoint(rng, 3)
		require.NoError(t, tree.Insert(p, core.AtomID(i)))
		points[core.AtomID(i)] = p
	}

	assert.False(t, tree.Remove([]float64{9, 9, 9}, 1), "wrong point")
	assert.False(t, tree.RemoveKey(5000), "unknown key")

	for i := 1; i <= 1000; i++ {
		id := core.AtomID(i)
		if i%3 == 0 {
			require.True(t, tree.Remove(points[id], id))
			delete(points, id)
		}
	}
	checkTree(t, tree)
	assert.Equal(t, len(points), tree.Len())

	for trial := 0; trial < 20; trial++ {
		q := randomPoint(rng, 3)
		got, err := tree.KNearest(q, 7, nil)
		require.NoError(t, err)
		want := bruteForce(points, q, 7)
		for i := range want {
			assert.Equal(t, want[i].AtomID, got[i].AtomID)
		}
	}

	// Removed atoms never come back from any query.
	all, err := tree.Range([]float64{1, 1, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, all, len(points))
	for _, n := range all {
		assert.NotZero(t, n.AtomID%3)
	}

	for id := range points {
		require.True(t, tree.RemoveKey(id))
	}
	assert.Equal(t, 0, tree.Len())
	checkTree(t, tree)
	empty, err := tree.KNearest([]float64{0, 0, 0}, 3, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRTree_InsertMoves(t *testing.T) {
	tree, err := NewRTree(2)
	require.NoError(t, err)

	require.NoError(t, tree.Insert([]float64{0, 0}, 1))
	require.NoError(t, tree.Insert([]float64{5, 5}, 1))
	assert.Equal(t, 1, tree.Len())

	p, ok := tree.Point(1)
	require.True(t, ok)
	assert.Equal(t, []float64{5, 5}, p)

	got, err := tree.KNearest([]float64{0, 0}, 1, nil)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(50), got[0].Distance, 1e-12)

	// Same point again is a no-op.
	require.NoError(t, tree.Insert([]float64{5, 5}, 1))
	assert.Equal(t, 1, tree.Len())
}

func TestRTree_Generation(t *testing.T) {
	tree, err := NewRTree(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tree.Generation())

	require.NoError(t, tree.Insert([]float64{0, 0}, 1))
	require.NoError(t, tree.Insert([]float64{1, 1}, 2))
	assert.Equal(t, uint64(2), tree.Generation())

	// unchanged point, missing key: no change
	require.NoError(t, tree.Insert([]float64{1, 1}, 2))
	assert.False(t, tree.RemoveKey(9))
	assert.Equal(t, uint64(2), tree.Generation())

	assert.True(t, tree.RemoveKey(1))
	assert.Equal(t, uint64(3), tree.Generation())
}

func TestRTree_InsertCopiesPoint(t *testing.T) {
	tree, err := NewRTree(2)
	require.NoError(t, err)
	p := []float64{1, 1}
	require.NoError(t, tree.Insert(p, 1))
	p[0] = 100

	got, ok := tree.Point(1)
	require.True(t, ok)
	assert.Equal(t, []float64{1, 1}, got)
}

func TestRTree_Range(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	tree, err := NewRTree(2)
	require.NoError(t, err)
	points := make(map[core.AtomID][]float64)
	for i := 1; i <= 500; i++ {
		p := randomPoint(rng, 2)
		require.NoError(t, tree.Insert(p, core.AtomID(i)))
		points[core.AtomID(i)] = p
	}

	q := []float64{1, 1}
	got, err := tree.Range(q, 0.3)
	require.NoError(t, err)

	var want []core.AtomID
	for id, p := range points {
		if pointDistance(p, q) <= 0.3 {
			want = append(want, id)
		}
	}
	ids := make([]core.AtomID, len(got))
	for i, n := range got {
		ids[i] = n.AtomID
		assert.LessOrEqual(t, n.Distance, 0.3)
	}
	slices.Sort(ids)
	slices.Sort(want)
	assert.Equal(t, want, ids)

	none, err := tree.Range(q, -1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRTree_Validation(t *testing.T) {
	tree, err := NewRTree(3)
	require.NoError(t, err)

	err = tree.Insert([]float64{1, 2}, 1)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	err = tree.Insert([]float64{1, math.NaN(), 2}, 1)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)

	_, err = tree.KNearest([]float64{1}, 1, nil)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	_, err = tree.Range([]float64{1, 2, 3, 4}, 1)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestRTree_ItemsAndSnapshotIsolation(t *testing.T) {
	tree, err := NewRTree(1)
	require.NoError(t, err)
	for i := 1; i <= 50; i++ {
		require.NoError(t, tree.Insert([]float64{float64(i)}, core.AtomID(i)))
	}

	// A root loaded before writes keeps seeing the old tree.
	before := tree.root.Load()
	for i := 51; i <= 100; i++ {
		require.NoError(t, tree.Insert([]float64{float64(i)}, core.AtomID(i)))
	}
	for i := 1; i <= 25; i++ {
		tree.RemoveKey(core.AtomID(i))
	}
	old := collect(before.node, nil)
	assert.Len(t, old, 50)
	assert.Equal(t, 50, before.size)

	items := tree.Items()
	assert.Len(t, items, 75)
}

func TestRTree_ConcurrentReadersAndWriter(t *testing.T) {
	tree, err := NewRTree(3)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewPCG(1, 1))
		for i := 1; i <= 3000; i++ {
			if err := tree.Insert(randomPoint(rng, 3), core.AtomID(i)); err != nil {
				t.Error(err)
				return
			}
			if i%4 == 0 {
				tree.RemoveKey(core.AtomID(i / 2))
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed))
			for i := 0; i < 500; i++ {
				got, err := tree.KNearest(randomPoint(rng, 3), 5, nil)
				if err != nil {
					t.Error(err)
					return
				}
				for j := 1; j < len(got); j++ {
					if got[j].Distance < got[j-1].Distance {
						t.Errorf("results out of order: %v", got)
						return
					}
				}
			}
		}(uint64(r + 10))
	}
	wg.Wait()
	checkTree(t, tree)
}
