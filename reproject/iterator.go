// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package reproject

import (
	"context"

	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

const (
	// DefaultBatchSize is the default number of embeddings handed out per batch
	DefaultBatchSize = 256
)

// EmbeddingIterator iterates over one model's embeddings in batches, in
// atom id order.
type EmbeddingIterator struct {
	repo      storage.EmbeddingRepository
	modelID   string
	batchSize int
}

// NewEmbeddingIterator creates a new embedding iterator.
// batchSize: number of embeddings per batch (DefaultBatchSize if <= 0)
func NewEmbeddingIterator(repo storage.EmbeddingRepository, modelID string, batchSize int) *EmbeddingIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &EmbeddingIterator{
		repo:      repo,
		modelID:   modelID,
		batchSize: batchSize,
	}
}

// ForEach calls fn for each batch of embeddings whose atom id is greater
// than after. Iteration stops on the first error from fn or when all
// embeddings are processed. Context cancellation is checked between batches.
func (it *EmbeddingIterator) ForEach(ctx context.Context, after core.AtomID, fn func([]*core.Embedding) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	batch := make([]*core.Embedding, 0, it.batchSize)
	err := it.repo.ForEachEmbedding(ctx, it.modelID, after, func(e *core.Embedding) error {
		batch = append(batch, e)
		if len(batch) < it.batchSize {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		batch = make([]*core.Embedding, 0, it.batchSize)

		// Check context after each batch
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}
