package spatial

import (
	"testing"

	"github.com/poiesic/atomstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// install gives a model an empty tree at version.
func install(t *testing.T, c *Catalog, modelID string, version uint64, dims int) {
	t.Helper()
	tree, err := NewRTree(dims)
	require.NoError(t, err)
	require.True(t, c.Install(&Snapshot{ModelID: modelID, LandmarkVersion: version, Tree: tree}))
}

func TestCatalog_InsertWithoutIndex(t *testing.T) {
	c := NewCatalog()
	assert.Nil(t, c.Snapshot("mini"))

	err := c.Insert("mini", 1, []float64{0.1, 0.2, 0.3}, 7)
	assert.ErrorIs(t, err, core.ErrStaleIndex)
	assert.Nil(t, c.Snapshot("mini"), "an insert never creates a partial tree")
	assert.Empty(t, c.Models())

	install(t, c, "mini", 1, 3)
	require.NoError(t, c.Insert("mini", 1, []float64{0.1, 0.2, 0.3}, 7))
	snap := c.Snapshot("mini")
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.LandmarkVersion)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, []string{"mini"}, c.Models())

	var missing *Snapshot
	assert.Equal(t, 0, missing.Len())
}

func TestCatalog_InsertAfterAbortedRebuild(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.BeginRebuild("mini", 1))
	c.AbortRebuild("mini")

	err := c.Insert("mini", 1, []float64{1, 2}, 1)
	assert.ErrorIs(t, err, core.ErrStaleIndex)
	assert.Nil(t, c.Snapshot("mini"))
}

func TestSnapshot_TagsNeighbors(t *testing.T) {
	c := NewCatalog()
	install(t, c, "mini", 1, 2)
	for i := 1; i <= 5; i++ {
		require.NoError(t, c.Insert("mini", 1, []float64{float64(i), 0}, core.AtomID(i)))
	}
	snap := c.Snapshot("mini")

	near, err := snap.KNearest([]float64{2, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, near, 2)
	for _, n := range near {
		assert.Equal(t, "mini", n.ModelID)
	}
	assert.Equal(t, core.AtomID(2), near[0].AtomID)

	within, err := snap.Range([]float64{0, 0}, 2.5)
	require.NoError(t, err)
	require.Len(t, within, 2)
	for _, n := range within {
		assert.Equal(t, "mini", n.ModelID)
	}
}

func TestCatalog_StaleInsert(t *testing.T) {
	c := NewCatalog()
	install(t, c, "mini", 1, 3)
	require.NoError(t, c.Insert("mini", 1, []float64{0, 0, 0}, 1))

	err := c.Insert("mini", 2, []float64{1, 1, 1}, 2)
	assert.ErrorIs(t, err, core.ErrStaleIndex)
	assert.Equal(t, 1, c.Snapshot("mini").Len())
}

func TestCatalog_Rebuild(t *testing.T) {
	c := NewCatalog()
	install(t, c, "mini", 1, 2)
	for i := 1; i <= 10; i++ {
		require.NoError(t, c.Insert("mini", 1, []float64{float64(i), 0}, core.AtomID(i)))
	}

	require.NoError(t, c.BeginRebuild("mini", 2))
	err := c.BeginRebuild("mini", 2)
	assert.ErrorIs(t, err, ErrRebuildInProgress)
	version, ok := c.Rebuilding("mini")
	assert.True(t, ok)
	assert.Equal(t, uint64(2), version)

	// The rebuild reads rows 1..10; meanwhile a new atom arrives with the
	// new version and atom 3 is purged.
	require.NoError(t, c.Insert("mini", 2, []float64{0, 11}, 11))
	assert.True(t, c.Remove("mini", 3))
	assert.Equal(t, 9, c.Snapshot("mini").Len(), "removal applies to the live tree at once")

	tree, err := NewRTree(2)
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		require.NoError(t, tree.Insert([]float64{0, float64(i)}, core.AtomID(i)))
	}

	snap, err := c.CompleteRebuild("mini", tree)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.LandmarkVersion)
	assert.Same(t, snap, c.Snapshot("mini"))
	assert.Equal(t, 10, snap.Len())

	_, ok = tree.Point(3)
	assert.False(t, ok, "purged atom must not reappear")
	p, ok := tree.Point(11)
	require.True(t, ok)
	assert.Equal(t, []float64{0, 11}, p)

	_, ok = c.Rebuilding("mini")
	assert.False(t, ok)
	_, err = c.CompleteRebuild("mini", tree)
	assert.ErrorIs(t, err, ErrNoRebuild)

	require.NoError(t, c.Insert("mini", 2, []float64{0, 12}, 12))
	assert.Equal(t, 11, c.Snapshot("mini").Len())
}

func TestCatalog_RebuildWithoutIndex(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.BeginRebuild("fresh", 1))

	// Buffered until the rebuilt tree is installed.
	require.NoError(t, c.Insert("fresh", 1, []float64{1}, 1))
	assert.Nil(t, c.Snapshot("fresh"))

	tree, err := NewRTree(1)
	require.NoError(t, err)
	snap, err := c.CompleteRebuild("fresh", tree)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
}

func TestCatalog_AbortRebuild(t *testing.T) {
	c := NewCatalog()
	install(t, c, "mini", 1, 1)
	require.NoError(t, c.Insert("mini", 1, []float64{1}, 1))
	require.NoError(t, c.BeginRebuild("mini", 2))
	c.AbortRebuild("mini")

	_, ok := c.Rebuilding("mini")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Snapshot("mini").LandmarkVersion)
	require.NoError(t, c.BeginRebuild("mini", 2))
}

func TestCatalog_InstallAndDrop(t *testing.T) {
	c := NewCatalog()
	tree, err := NewRTree(2)
	require.NoError(t, err)

	assert.True(t, c.Install(&Snapshot{ModelID: "mini", LandmarkVersion: 2, Tree: tree}))
	assert.False(t, c.Install(&Snapshot{ModelID: "mini", LandmarkVersion: 1, Tree: tree}), "older snapshot")
	assert.Equal(t, uint64(2), c.Snapshot("mini").LandmarkVersion)

	assert.False(t, c.Remove("other", 1))
	c.Drop("mini")
	assert.Nil(t, c.Snapshot("mini"))
	assert.Empty(t, c.Models())
}
