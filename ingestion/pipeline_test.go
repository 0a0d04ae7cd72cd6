package ingestion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/poiesic/atomstore/ai/mock"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/dedup"
	"github.com/poiesic/atomstore/landmark"
	"github.com/poiesic/atomstore/search"
	"github.com/poiesic/atomstore/spatial"
	"github.com/poiesic/atomstore/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testModel = "mini"
	testDim   = 8
)

type fixture struct {
	repos    *badger.Repositories
	registry *landmark.Registry
	catalog  *spatial.Catalog
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })

	registry, err := landmark.NewRegistry(repos.Landmarks, repos.Embeddings, landmark.WithSeed(3))
	require.NoError(t, err)
	return &fixture{repos: repos, registry: registry, catalog: spatial.NewCatalog()}
}

func (f *fixture) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	p, err := NewPipeline(f.repos.Atoms, f.repos.Embeddings, f.registry, f.catalog, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func vectorItem(text string) Item {
	item := TextItem(text, "token")
	item.ModelID = testModel
	item.Vector = mock.Vector(text, testDim)
	return item
}

// seed stores n vectors, activates a landmark set built from them and
// installs an index holding their coordinates.
func (f *fixture) seed(t *testing.T, p *Pipeline, n int) []*PutResult {
	t.Helper()
	results := make([]*PutResult, n)
	for i := range results {
		r, err := p.Put(context.Background(), vectorItem(fmt.Sprintf("seed-%d", i)))
		require.NoError(t, err)
		results[i] = r
	}
	active, err := f.registry.Rotate(context.Background(), testModel)
	require.NoError(t, err)

	tree, err := spatial.NewRTree(active.Dims())
	require.NoError(t, err)
	for _, r := range results {
		coord, err := active.Project(r.Embedding.Vector)
		require.NoError(t, err)
		require.NoError(t, tree.Insert(coord, r.Atom.ID))
	}
	require.True(t, f.catalog.Install(&spatial.Snapshot{ModelID: testModel, LandmarkVersion: active.Version(), Tree: tree}))
	return results
}

func TestNewPipeline(t *testing.T) {
	f := setupFixture(t)

	tests := []struct {
		name    string
		build   func() (*Pipeline, error)
		wantErr error
	}{
		{"no atoms", func() (*Pipeline, error) {
			return NewPipeline(nil, f.repos.Embeddings, f.registry, f.catalog)
		}, ErrAtomRepositoryRequired},
		{"no embeddings", func() (*Pipeline, error) {
			return NewPipeline(f.repos.Atoms, nil, f.registry, f.catalog)
		}, ErrEmbeddingRepositoryRequired},
		{"no projectors", func() (*Pipeline, error) {
			return NewPipeline(f.repos.Atoms, f.repos.Embeddings, nil, f.catalog)
		}, ErrProjectorsRequired},
		{"no index", func() (*Pipeline, error) {
			return NewPipeline(f.repos.Atoms, f.repos.Embeddings, f.registry, nil)
		}, ErrIndexRequired},
		{"bad batch size", func() (*Pipeline, error) {
			return NewPipeline(f.repos.Atoms, f.repos.Embeddings, f.registry, f.catalog, WithBatchSize(0))
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPipeline_WithOptions(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(t, WithPoolSize(2), WithBatchSize(4), WithLogger(nil), WithEmbedder(mock.NewMockEmbedder(testDim)))

	assert.Equal(t, 2, p.embeddingPool.Cap())
	assert.Equal(t, 4, p.batchSize)
	assert.NotNil(t, p.embeddingProc)
	assert.NotNil(t, p.logger)
}

func TestPipeline_PutWithoutVector(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()

	r, err := p.Put(ctx, TextItem("hello", "token"))
	require.NoError(t, err)
	assert.NotZero(t, r.Atom.ID)
	assert.Nil(t, r.Embedding)
	assert.False(t, r.Indexed)

	again, err := p.Put(ctx, TextItem("hello", "token"))
	require.NoError(t, err)
	assert.Equal(t, r.Atom.ID, again.Atom.ID)
	assert.Equal(t, int64(2), again.Atom.RefCount)

	_, err = p.Put(ctx, Item{Content: []byte("x"), Modality: core.ModalityText, Vector: []float32{1}})
	assert.ErrorIs(t, err, core.ErrEmptyModelID)
}

func TestPipeline_PutWithoutLandmarks(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()

	r, err := p.Put(ctx, vectorItem("hello"))
	require.NoError(t, err)
	require.NotNil(t, r.Embedding)
	assert.False(t, r.Indexed)

	stored, err := f.repos.Embeddings.GetEmbedding(ctx, r.Atom.ID, testModel)
	require.NoError(t, err)
	assert.Equal(t, mock.Vector("hello", testDim), stored.Vector)
	assert.Nil(t, stored.Coordinate)
	assert.Nil(t, f.catalog.Snapshot(testModel))
}

func TestPipeline_ColdStartHandler(t *testing.T) {
	f := setupFixture(t)
	var calls []string
	p := f.pipeline(t, WithColdStartHandler(func(modelID string) {
		calls = append(calls, modelID)
	}))
	ctx := context.Background()

	_, err := p.Put(ctx, vectorItem("one"))
	require.NoError(t, err)
	_, err = p.Put(ctx, TextItem("no vector", "token"))
	require.NoError(t, err)
	assert.Equal(t, []string{testModel}, calls)

	f.seed(t, p, 6)
	calls = nil
	_, err = p.Put(ctx, vectorItem("two"))
	require.NoError(t, err)
	assert.Empty(t, calls, "not called once a landmark set is active")
}

func TestPipeline_PutIndexes(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()
	f.seed(t, p, 6)
	active := f.registry.Active(testModel)
	require.NotNil(t, active)

	r, err := p.Put(ctx, vectorItem("indexed"))
	require.NoError(t, err)
	assert.True(t, r.Indexed)
	assert.Equal(t, active.Version(), r.Embedding.LandmarkVersion)

	want, err := active.Project(mock.Vector("indexed", testDim))
	require.NoError(t, err)
	stored, err := f.repos.Embeddings.GetEmbedding(ctx, r.Atom.ID, testModel)
	require.NoError(t, err)
	assert.Equal(t, want, stored.Coordinate)
	assert.Equal(t, active.Version(), stored.LandmarkVersion)

	snap := f.catalog.Snapshot(testModel)
	require.NotNil(t, snap)
	assert.Equal(t, active.Version(), snap.LandmarkVersion)
	point, ok := snap.Tree.Point(r.Atom.ID)
	require.True(t, ok)
	assert.Equal(t, want, point)
}

func TestPipeline_PutWhileIndexIsStale(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()
	f.seed(t, p, 6)

	first, err := p.Put(ctx, vectorItem("first"))
	require.NoError(t, err)
	require.True(t, first.Indexed)

	// rotating leaves the index on the old version until a rebuild
	_, err = f.registry.Rotate(ctx, testModel)
	require.NoError(t, err)

	r, err := p.Put(ctx, vectorItem("second"))
	require.NoError(t, err)
	assert.False(t, r.Indexed)
	assert.Equal(t, f.registry.Active(testModel).Version(), r.Embedding.LandmarkVersion)
	_, ok := f.catalog.Snapshot(testModel).Tree.Point(r.Atom.ID)
	assert.False(t, ok)
}

func TestPipeline_PutDimensionMismatch(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()

	_, err := p.Put(ctx, vectorItem("hello"))
	require.NoError(t, err)

	bad := TextItem("other", "token")
	bad.ModelID = testModel
	bad.Vector = []float32{1, 2}
	_, err = p.Put(ctx, bad)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	// the failed put released its reference
	atom, err := f.repos.Atoms.FindByHash(ctx, core.HashContent(core.ModalityText, []byte("other")))
	require.NoError(t, err)
	assert.Equal(t, int64(0), atom.RefCount)
}

func TestPipeline_PutChecksDuplicates(t *testing.T) {
	f := setupFixture(t)
	searcher, err := search.NewSearcher(f.repos.Embeddings, f.registry, f.catalog)
	require.NoError(t, err)
	detector, err := dedup.NewDetector(searcher, f.repos.Embeddings, f.repos.Reports)
	require.NoError(t, err)
	p := f.pipeline(t, WithDuplicateChecker(detector))
	ctx := context.Background()

	original := vectorItem("colour")
	first, err := p.Put(ctx, original)
	require.NoError(t, err)
	assert.Empty(t, first.Reports)

	// different content, same vector
	copyItem := TextItem("color", "token")
	copyItem.ModelID = testModel
	copyItem.Vector = original.Vector
	second, err := p.Put(ctx, copyItem)
	require.NoError(t, err)
	assert.NotEqual(t, first.Atom.ID, second.Atom.ID)
	require.Len(t, second.Reports, 1)
	assert.Equal(t, first.Atom.ID, second.Reports[0].CandidateID)
	assert.InDelta(t, 1.0, second.Reports[0].Similarity, 1e-9)
}

func TestPipeline_Ingest(t *testing.T) {
	f := setupFixture(t)
	embedder := mock.NewMockEmbedder(testDim)
	p := f.pipeline(t, WithEmbedder(embedder), WithCheckpoints(f.repos.Checkpoints), WithBatchSize(2), WithPoolSize(2))
	ctx := context.Background()

	texts := []string{"alpha", "beta", "gamma", "delta", "alpha"}
	items := make([]Item, len(texts))
	for i, text := range texts {
		items[i] = TextItem(text, "token")
	}
	items = append(items, Item{Content: []byte{1, 2, 3, 4}, Modality: core.ModalityPixel, Subtype: "rgba"})

	atoms, err := p.Ingest(ctx, testModel, items...)
	require.NoError(t, err)
	require.Len(t, atoms, 6)
	assert.Equal(t, atoms[0].ID, atoms[4].ID)
	p.Wait()

	var highest core.AtomID
	for i, text := range texts {
		e, err := f.repos.Embeddings.GetEmbedding(ctx, atoms[i].ID, testModel)
		require.NoError(t, err)
		assert.Equal(t, mock.Vector(text, testDim), e.Vector)
		highest = max(highest, atoms[i].ID)
	}
	_, err = f.repos.Embeddings.GetEmbedding(ctx, atoms[5].ID, testModel)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 4, embedder.TextCount())

	cp, err := f.repos.Checkpoints.LoadCheckpoint(ctx, EmbeddingProcessorType)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, highest, cp.LastID)
}

func TestPipeline_IngestWithVectors(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()

	item := vectorItem("given")
	item.ModelID = ""
	atoms, err := p.Ingest(ctx, testModel, item)
	require.NoError(t, err)
	require.Len(t, atoms, 1)

	e, err := f.repos.Embeddings.GetEmbedding(ctx, atoms[0].ID, testModel)
	require.NoError(t, err)
	assert.Equal(t, item.Vector, e.Vector)
}

func TestPipeline_IngestRequiresEmbedder(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(t)

	_, err := p.Ingest(context.Background(), testModel, TextItem("hello", "token"))
	assert.ErrorIs(t, err, ErrEmbedderRequired)

	p = f.pipeline(t, WithEmbedder(mock.NewMockEmbedder(testDim)))
	_, err = p.Ingest(context.Background(), "", TextItem("hello", "token"))
	assert.ErrorIs(t, err, core.ErrEmptyModelID)

	atoms, err := p.Ingest(context.Background(), testModel)
	require.NoError(t, err)
	assert.Empty(t, atoms)
}

func TestPipeline_IngestEmbedderError(t *testing.T) {
	f := setupFixture(t)
	embedder := mock.NewMockEmbedder(testDim)
	embedder.EmbedTextsFunc = func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("model offline")
	}
	p := f.pipeline(t, WithEmbedder(embedder), WithCheckpoints(f.repos.Checkpoints))
	ctx := context.Background()

	atoms, err := p.Ingest(ctx, testModel, TextItem("hello", "token"))
	require.NoError(t, err)
	p.Wait()

	// the atom is stored, the embedding is not
	_, err = f.repos.Embeddings.GetEmbedding(ctx, atoms[0].ID, testModel)
	assert.ErrorIs(t, err, core.ErrNotFound)
	cp, err := f.repos.Checkpoints.LoadCheckpoint(ctx, EmbeddingProcessorType)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestEmbeddingProcessor_Process(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	var attached []core.AtomID
	attach := func(_ context.Context, id core.AtomID, modelID string, vector []float32) error {
		assert.Equal(t, testModel, modelID)
		assert.Len(t, vector, testDim)
		attached = append(attached, id)
		return nil
	}
	ep, err := newEmbeddingProcessor(f.repos.Atoms, mock.NewMockEmbedder(testDim), attach, nil, nil)
	require.NoError(t, err)

	a, err := f.repos.Atoms.Upsert(ctx, []byte("b"), core.ModalityText, "token")
	require.NoError(t, err)
	b, err := f.repos.Atoms.Upsert(ctx, []byte("a"), core.ModalityText, "token")
	require.NoError(t, err)

	require.NoError(t, ep.process(ctx, testModel, b.ID, a.ID, b.ID, 9999))
	assert.Equal(t, []core.AtomID{a.ID, b.ID}, attached)
	assert.Equal(t, b.ID, ep.lastID)

	// without a checkpoint repository checkpoint is a no-op
	require.NoError(t, ep.checkpoint(ctx))

	_, err = newEmbeddingProcessor(f.repos.Atoms, nil, attach, nil, nil)
	assert.ErrorIs(t, err, ErrEmbedderRequired)
}

func TestPipeline_Release(t *testing.T) {
	f := setupFixture(t)
	p := f.pipeline(t)
	ctx := context.Background()

	r, err := p.Put(ctx, TextItem("hello", "token"))
	require.NoError(t, err)
	released, err := p.Release(ctx, r.Atom.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), released.RefCount)

	_, err = p.Release(ctx, r.Atom.ID)
	assert.ErrorIs(t, err, core.ErrRefCountUnderflow)
}

func TestPipeline_Close(t *testing.T) {
	f := setupFixture(t)
	p, err := NewPipeline(f.repos.Atoms, f.repos.Embeddings, f.registry, f.catalog)
	require.NoError(t, err)

	// Close should not panic
	p.Close()

	// Multiple closes should not panic
	p.Close()
}
