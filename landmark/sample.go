package landmark

import (
	"context"
	"math/rand/v2"
	"slices"

	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// Sample draws up to size vectors of a model uniformly at random using
// reservoir sampling over a single pass of the embedding table.
func Sample(ctx context.Context, repo storage.EmbeddingRepository, modelID string, size int, rng *rand.Rand) ([][]float32, error) {
	if repo == nil {
		return nil, ErrEmbeddingRepositoryRequired
	}
	if size <= 0 {
		return nil, ErrInvalidSampleSize
	}

	reservoir := make([][]float32, 0, min(size, 1024))
	seen := 0
	err := repo.ForEachEmbedding(ctx, modelID, 0, func(e *core.Embedding) error {
		seen++
		if len(reservoir) < size {
			reservoir = append(reservoir, slices.Clone(e.Vector))
			return nil
		}
		if j := rng.IntN(seen); j < size {
			reservoir[j] = slices.Clone(e.Vector)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reservoir, nil
}
