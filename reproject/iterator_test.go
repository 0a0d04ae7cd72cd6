package reproject

import (
	"context"
	"errors"
	"testing"

	"github.com/poiesic/atomstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingIterator_Batches(t *testing.T) {
	f := setupFixture(t, 23)
	iter := NewEmbeddingIterator(f.repos.Embeddings, testModel, 10)

	var sizes []int
	var seen []core.AtomID
	err := iter.ForEach(context.Background(), 0, func(batch []*core.Embedding) error {
		sizes = append(sizes, len(batch))
		for _, e := range batch {
			seen = append(seen, e.AtomID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 3}, sizes)
	assert.Equal(t, f.ids, seen, "atom id order")
}

func TestEmbeddingIterator_After(t *testing.T) {
	f := setupFixture(t, 12)
	iter := NewEmbeddingIterator(f.repos.Embeddings, testModel, 0)
	assert.Equal(t, DefaultBatchSize, iter.batchSize)

	var seen []core.AtomID
	err := iter.ForEach(context.Background(), f.ids[8], func(batch []*core.Embedding) error {
		for _, e := range batch {
			seen = append(seen, e.AtomID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, f.ids[9:], seen)
}

func TestEmbeddingIterator_Empty(t *testing.T) {
	f := setupFixture(t, 0)
	iter := NewEmbeddingIterator(f.repos.Embeddings, testModel, 10)

	called := false
	err := iter.ForEach(context.Background(), 0, func([]*core.Embedding) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestEmbeddingIterator_StopsOnError(t *testing.T) {
	f := setupFixture(t, 30)
	iter := NewEmbeddingIterator(f.repos.Embeddings, testModel, 5)
	boom := errors.New("boom")

	batches := 0
	err := iter.ForEach(context.Background(), 0, func([]*core.Embedding) error {
		batches++
		if batches == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, batches)
}

func TestEmbeddingIterator_Canceled(t *testing.T) {
	f := setupFixture(t, 30)
	iter := NewEmbeddingIterator(f.repos.Embeddings, testModel, 5)
	ctx, cancel := context.WithCancel(context.Background())

	batches := 0
	err := iter.ForEach(ctx, 0, func([]*core.Embedding) error {
		batches++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, batches)
}
