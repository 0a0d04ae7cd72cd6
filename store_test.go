package atomstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/atomstore/ai/mock"
	"github.com/poiesic/atomstore/blob"
	"github.com/poiesic/atomstore/config"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/ingestion"
	"github.com/poiesic/atomstore/search"
	"github.com/poiesic/atomstore/spatial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testModel = "mini"
	testDim   = 8
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.GC.Enabled = false
	cfg.Dedup.SemanticThreshold = 0
	cfg.Landmarks.AutoBuild = false
	return cfg
}

func openMemory(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{InMemory(), WithConfig(testConfig()), WithSeed(1)}, opts...)
	s, err := Open(context.Background(), "", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func vectorItem(text string) ingestion.Item {
	item := ingestion.TextItem(text, "token")
	item.ModelID = testModel
	item.Vector = mock.Vector(text, testDim)
	return item
}

func putAll(t *testing.T, s *Store, n int) []core.AtomID {
	t.Helper()
	ids := make([]core.AtomID, n)
	for i := range ids {
		r, err := s.Put(context.Background(), vectorItem(fmt.Sprintf("item-%d", i)))
		require.NoError(t, err)
		ids[i] = r.Atom.ID
	}
	return ids
}

// steppingClock advances one second per reading.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *steppingClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestOpen(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := config.Default()
		cfg.Search.CandidateMultiplier = 0
		_, err := Open(context.Background(), "", InMemory(), WithConfig(cfg))
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("path is a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "not_a_dir")
		require.NoError(t, os.WriteFile(path, []byte("test"), 0644))
		s, err := Open(context.Background(), path, WithConfig(testConfig()))
		assert.Error(t, err)
		assert.Nil(t, s)
	})

	t.Run("gc enabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.GC.Enabled = true
		s, err := Open(context.Background(), "", InMemory(), WithConfig(cfg))
		require.NoError(t, err)
		require.NoError(t, s.Close())
	})
}

func TestStore_Close(t *testing.T) {
	provider := mock.NewMockProvider(testDim)
	s, err := Open(context.Background(), "", InMemory(), WithConfig(testConfig()), WithAIProvider(provider))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, provider.(*mock.MockProvider).Closed())

	_, err = s.Put(context.Background(), vectorItem("late"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Search(context.Background(), search.Request{ModelID: testModel, Vector: mock.Vector("q", testDim), TopK: 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_SameContentSharesAtom(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	a, err := s.Put(ctx, ingestion.TextItem("hello", "token"))
	require.NoError(t, err)
	b, err := s.Put(ctx, ingestion.TextItem("hello", "token"))
	require.NoError(t, err)

	assert.Equal(t, a.Atom.ID, b.Atom.ID)
	assert.Equal(t, int64(2), b.Atom.RefCount)
	count, err := s.Atoms().CountAtoms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	content, err := s.Content(ctx, a.Atom.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestStore_SearchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	ids := putAll(t, s, 60)
	query := mock.Vector("item-17", testDim)

	result, err := s.Search(ctx, search.Request{ModelID: testModel, Vector: query, TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, search.ModeBruteForce, result.Mode)
	assert.Equal(t, search.DegradedNoLandmarks, result.Degraded)
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, ids[17], result.Hits[0].AtomID)

	p, err := s.Rotate(ctx, testModel)
	require.NoError(t, err)
	s.WaitForRebuilds()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, stats.Atoms)
	require.Len(t, stats.Models, 1)
	m := stats.Models[0]
	assert.Equal(t, testDim, m.Dimension)
	assert.Equal(t, 60, m.Embeddings)
	assert.Equal(t, p.Version(), m.LandmarkVersion)
	assert.Equal(t, p.Version(), m.IndexVersion)
	assert.Equal(t, 60, m.Indexed)
	assert.False(t, m.Stale())

	result, err = s.Search(ctx, search.Request{ModelID: testModel, Vector: query, TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, search.ModeHybrid, result.Mode)
	assert.Equal(t, search.DegradedNone, result.Degraded)
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, ids[17], result.Hits[0].AtomID)
	assert.InDelta(t, 0, result.Hits[0].Distance, 1e-9)

	// new items are indexed directly
	r, err := s.Put(ctx, vectorItem("late-arrival"))
	require.NoError(t, err)
	assert.True(t, r.Indexed)
}

func TestStore_ReprojectJoinsRotation(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	putAll(t, s, 30)

	p, err := s.Rotate(ctx, testModel)
	require.NoError(t, err)
	stats, err := s.Reproject(ctx, testModel)
	require.NoError(t, err)
	s.WaitForRebuilds()

	assert.Equal(t, p.Version(), stats.LandmarkVersion)
	assert.Equal(t, p.Version(), s.Catalog().Snapshot(testModel).LandmarkVersion)
	assert.Equal(t, 30, s.Catalog().Snapshot(testModel).Len())
}

func TestStore_ReloadsIndexSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "atoms")

	s, err := Open(ctx, dir, WithConfig(testConfig()), WithSeed(2))
	require.NoError(t, err)
	putAll(t, s, 40)
	p, err := s.Rotate(ctx, testModel)
	require.NoError(t, err)
	s.WaitForRebuilds()
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir, WithConfig(testConfig()))
	require.NoError(t, err)
	defer s.Close()

	require.NotNil(t, s.Registry().Active(testModel))
	assert.Equal(t, p.Version(), s.Registry().Active(testModel).Version())
	snap := s.Catalog().Snapshot(testModel)
	require.NotNil(t, snap, "snapshot is installed during Open")
	assert.Equal(t, p.Version(), snap.LandmarkVersion)
	assert.Equal(t, 40, snap.Len())
}

func modelItem(modelID string, i int) ingestion.Item {
	text := fmt.Sprintf("%s/item-%d", modelID, i)
	item := ingestion.TextItem(text, "token")
	item.ModelID = modelID
	item.Vector = mock.Vector(text, testDim)
	return item
}

func TestStore_PutsDuringQueuedRebuilds(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "atoms")
	models := []string{"alpha", "beta", "gamma", "delta"}
	const n = 200

	// snapshots go to a store that does not survive the reopen, so every
	// model is rebuilt at once and some rebuilds wait for a worker
	s, err := Open(ctx, dir, WithConfig(testConfig()), WithSeed(4), WithBlobStore(blob.NewMemoryStore()))
	require.NoError(t, err)
	for _, m := range models {
		for i := 0; i < n; i++ {
			_, err := s.Put(ctx, modelItem(m, i))
			require.NoError(t, err)
		}
		_, err := s.Rotate(ctx, m)
		require.NoError(t, err)
	}
	s.WaitForRebuilds()
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir, WithConfig(testConfig()), WithBlobStore(blob.NewMemoryStore()))
	require.NoError(t, err)
	defer s.Close()

	late := make(map[string]core.AtomID, len(models))
	for _, m := range models {
		r, err := s.Put(ctx, modelItem(m, n))
		require.NoError(t, err)
		late[m] = r.Atom.ID
	}

	// until its rebuild completes a model is searched by brute force; a
	// hybrid answer always comes from a complete tree
	for _, m := range models {
		result, err := s.Search(ctx, search.Request{ModelID: m, Vector: modelItem(m, n).Vector, TopK: 1})
		require.NoError(t, err)
		require.NotEmpty(t, result.Hits, m)
		assert.Equal(t, late[m], result.Hits[0].AtomID, m)
		assert.InDelta(t, 0, result.Hits[0].Distance, 1e-9, m)
	}

	s.WaitForRebuilds()
	for _, m := range models {
		snap := s.Catalog().Snapshot(m)
		require.NotNil(t, snap, m)
		assert.Equal(t, n+1, snap.Len(), m)

		result, err := s.Search(ctx, search.Request{ModelID: m, Vector: modelItem(m, 17).Vector, TopK: 1})
		require.NoError(t, err)
		assert.Equal(t, search.ModeHybrid, result.Mode, m)
		require.NotEmpty(t, result.Hits, m)
		assert.InDelta(t, 0, result.Hits[0].Distance, 1e-9, m)
	}
}

func TestStore_CloseSavesIndexSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "atoms")
	snapshots := blob.NewMemoryStore()

	s, err := Open(ctx, dir, WithConfig(testConfig()), WithSeed(2), WithBlobStore(snapshots))
	require.NoError(t, err)
	putAll(t, s, 40)
	p, err := s.Rotate(ctx, testModel)
	require.NoError(t, err)
	s.WaitForRebuilds()

	for i := 0; i < 5; i++ {
		r, err := s.Put(ctx, vectorItem(fmt.Sprintf("after-rebuild-%d", i)))
		require.NoError(t, err)
		require.True(t, r.Indexed)
	}
	require.NoError(t, s.Close())

	saved, err := spatial.LoadSnapshot(ctx, snapshots, testModel, p.Version())
	require.NoError(t, err)
	assert.Equal(t, 45, saved.Len())

	s, err = Open(ctx, dir, WithConfig(testConfig()), WithBlobStore(snapshots))
	require.NoError(t, err)
	defer s.Close()
	snap := s.Catalog().Snapshot(testModel)
	require.NotNil(t, snap, "snapshot is installed during Open")
	assert.Equal(t, 45, snap.Len())
	_, rebuilding := s.Catalog().Rebuilding(testModel)
	assert.False(t, rebuilding)
}

func TestStore_BuildsFirstLandmarkSet(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Landmarks.AutoBuild = true
	s := openMemory(t, WithConfig(cfg))

	ids := putAll(t, s, 10)
	s.WaitForRebuilds()

	require.NotNil(t, s.Registry().Active(testModel))
	snap := s.Catalog().Snapshot(testModel)
	require.NotNil(t, snap)
	assert.Equal(t, 10, snap.Len())

	result, err := s.Search(ctx, search.Request{ModelID: testModel, Vector: mock.Vector("item-3", testDim), TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, search.ModeHybrid, result.Mode)
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, ids[3], result.Hits[0].AtomID)
}

func TestStore_Lookup(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	px := core.Pixel{R: 10, G: 20, B: 30, A: 255}
	r, err := s.Put(ctx, ingestion.PayloadItem(px, "rgba"))
	require.NoError(t, err)
	assert.Equal(t, core.ModalityPixel, r.Atom.Modality)

	atom, err := s.Lookup(ctx, px)
	require.NoError(t, err)
	assert.Equal(t, r.Atom.ID, atom.ID)
	assert.Equal(t, int64(1), atom.RefCount)

	_, err = s.Lookup(ctx, core.Pixel{R: 10, G: 20, B: 30, A: 0})
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.Close())
	_, err = s.Lookup(ctx, px)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_ReleaseAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := &steppingClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := openMemory(t, WithClock(clock.now))
	ids := putAll(t, s, 10)
	_, err := s.Rotate(ctx, testModel)
	require.NoError(t, err)
	s.WaitForRebuilds()

	atom, err := s.Release(ctx, ids[4])
	require.NoError(t, err)
	assert.Equal(t, int64(0), atom.RefCount)

	// within the grace period nothing is purged
	result, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Purged)
	_, err = s.Get(ctx, ids[4])
	require.NoError(t, err)

	clock.advance(time.Hour)
	result, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Purged)

	_, err = s.Get(ctx, ids[4])
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, ok := s.Catalog().Snapshot(testModel).Tree.Point(ids[4])
	assert.False(t, ok)

	hits, err := s.Search(ctx, search.Request{ModelID: testModel, Vector: mock.Vector("item-4", testDim), TopK: 10})
	require.NoError(t, err)
	for _, hit := range hits.Hits {
		assert.NotEqual(t, ids[4], hit.AtomID)
	}
}

func TestStore_Versions(t *testing.T) {
	ctx := context.Background()
	clock := &steppingClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := openMemory(t, WithClock(clock.now))

	r, err := s.Put(ctx, ingestion.TextItem("hello", "token"))
	require.NoError(t, err)
	id := r.Atom.ID
	mutated, err := s.Mutate(ctx, id, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, id, mutated.ID)

	history, err := s.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)

	v1, err := s.GetAt(ctx, id, history[0].ValidFrom)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v1.Version)
	old, err := s.Atoms().Content(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(old))

	current, err := s.Content(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "world", string(current))
}

func TestStore_NearDuplicateReports(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Dedup.SemanticThreshold = 0.95
	s, err := Open(ctx, "", InMemory(), WithConfig(cfg))
	require.NoError(t, err)
	defer s.Close()

	a := vectorItem("original")
	_, err = s.Put(ctx, vectorItem("unrelated"))
	require.NoError(t, err)
	ra, err := s.Put(ctx, a)
	require.NoError(t, err)

	b := ingestion.TextItem("original, lightly edited", "token")
	b.ModelID = testModel
	b.Vector = append([]float32(nil), a.Vector...)
	b.Vector[0] += 0.01
	rb, err := s.Put(ctx, b)
	require.NoError(t, err)
	require.Len(t, rb.Reports, 1)
	assert.Equal(t, ra.Atom.ID, rb.Reports[0].CandidateID)

	reports, err := s.Reports(ctx, ra.Atom.ID)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	// detection never merges
	assert.NotEqual(t, ra.Atom.ID, rb.Atom.ID)
}

func TestStore_TextOperations(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AI.EmbeddingModel = "mock"
	provider := mock.NewMockProvider(testDim)
	s, err := Open(ctx, "", InMemory(), WithConfig(cfg), WithAIProvider(provider))
	require.NoError(t, err)
	defer s.Close()

	texts := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	items := make([]ingestion.Item, len(texts))
	for i, text := range texts {
		items[i] = ingestion.TextItem(text, "token")
	}
	atoms, err := s.Ingest(ctx, "mock", items...)
	require.NoError(t, err)
	s.Wait()

	result, err := s.SearchText(ctx, "gamma", 1)
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, atoms[2].ID, result.Hits[0].AtomID)
	assert.InDelta(t, 0, result.Hits[0].Distance, 1e-9)

	stats, err := s.Reembed(ctx, "mock", "mock-v2")
	require.NoError(t, err)
	assert.Equal(t, len(texts), stats.Updated)
	count, err := s.Embeddings().CountEmbeddings(ctx, "mock-v2")
	require.NoError(t, err)
	assert.Equal(t, len(texts), count)
}

func TestStore_TextOperationsNeedEmbedder(t *testing.T) {
	s := openMemory(t)
	_, err := s.SearchText(context.Background(), "anything", 1)
	assert.ErrorIs(t, err, ErrEmbedderRequired)
	_, err = s.Reembed(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrEmbedderRequired)
}
