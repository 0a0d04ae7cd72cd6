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
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/atomstore/ai"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// Reembedder embeds every text atom known to one model into another.
type Reembedder struct {
	embeddings  storage.EmbeddingRepository
	atoms       storage.AtomRepository
	embedder    ai.Embedder
	checkpoints storage.CheckpointRepository
	config      *Config
	progress    io.Writer
	logger      *slog.Logger
}

// NewReembedder creates a new reembedder.
// checkpoints: optional, lets an interrupted run resume
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(atoms storage.AtomRepository, embeddings storage.EmbeddingRepository, embedder ai.Embedder,
	checkpoints storage.CheckpointRepository, config *Config, progress io.Writer, logger *slog.Logger) (*Reembedder, error) {
	if atoms == nil {
		return nil, ErrAtomRepositoryRequired
	}
	if embeddings == nil {
		return nil, ErrEmbeddingRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if progress == nil {
		progress = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reembedder{
		embeddings:  embeddings,
		atoms:       atoms,
		embedder:    embedder,
		checkpoints: checkpoints,
		config:      config,
		progress:    progress,
		logger:      logger.With("component", "reembed"),
	}, nil
}

// ReembedCheckpointType names the checkpoint of a re-embedding run.
func ReembedCheckpointType(fromModel, toModel string) string {
	return fmt.Sprintf("reembed:%s:%s", fromModel, toModel)
}

// Run embeds the text atoms that have a fromModel embedding into toModel.
// Progress is reported to the configured writer. With a checkpoint
// repository the run resumes after the last completed batch.
func (r *Reembedder) Run(ctx context.Context, fromModel, toModel string) (*Stats, error) {
	if fromModel == toModel {
		return nil, fmt.Errorf("%w: %q", ErrSameModel, fromModel)
	}

	total, err := r.embeddings.CountEmbeddings(ctx, fromModel)
	if err != nil {
		return nil, fmt.Errorf("failed to count embeddings: %w", err)
	}
	stats := &Stats{ModelID: toModel}
	if total == 0 {
		fmt.Fprintf(r.progress, "No embeddings found for model %s (0 embeddings)\n", fromModel)
		return stats, nil
	}

	cpType := ReembedCheckpointType(fromModel, toModel)
	var after core.AtomID
	if r.checkpoints != nil {
		cp, err := r.checkpoints.LoadCheckpoint(ctx, cpType)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp != nil {
			after = cp.LastID
			stats.Resumed = true
			r.logger.Info("resuming re-embedding", "from", fromModel, "to", toModel, "last_id", cp.LastID)
		}
	}

	fmt.Fprintf(r.progress, "Starting re-embedding of %d atoms from %s into %s (batch size: %d)\n",
		total, fromModel, toModel, r.config.BatchSize)
	tracker := NewProgressTracker(r.progress, "embeddings", total, r.config.ReportInterval)
	tracker.Start()

	processor := NewBatchProcessor(r.atoms, r.embeddings, r.embedder, toModel, r.config)
	iter := NewEmbeddingIterator(r.embeddings, fromModel, r.config.BatchSize)
	err = iter.ForEach(ctx, after, func(batch []*core.Embedding) error {
		written, err := processor.Process(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to process batch: %w", err)
		}
		stats.Total += len(batch)
		stats.Updated += written
		stats.Skipped += len(batch) - written
		tracker.Increment(len(batch))

		if r.checkpoints != nil {
			cp := &core.Checkpoint{ProcessorType: cpType, LastID: batch[len(batch)-1].AtomID}
			if err := r.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tracker.Finish()
	stats.Elapsed = tracker.Elapsed()
	if r.checkpoints != nil {
		if err := r.checkpoints.DeleteCheckpoint(ctx, cpType); err != nil {
			r.logger.Warn("failed to delete checkpoint", "type", cpType, "error", err)
		}
	}

	fmt.Fprintf(r.progress, "Re-embedding complete. Embedded %d atoms in %v (%.1f atoms/sec)\n",
		stats.Updated, stats.Elapsed.Round(time.Second), float64(stats.Updated)/stats.Elapsed.Seconds())
	return stats, nil
}
