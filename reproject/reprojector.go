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

	"github.com/poiesic/atomstore/blob"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/landmark"
	"github.com/poiesic/atomstore/retry"
	"github.com/poiesic/atomstore/spatial"
	"github.com/poiesic/atomstore/storage"
)

// ProjectorSource returns the active landmark projector of a model.
type ProjectorSource interface {
	Active(modelID string) *landmark.Projector
}

// Reprojector recomputes coordinates after a landmark rotation and swaps a
// rebuilt spatial index into the catalog.
type Reprojector struct {
	embeddings  storage.EmbeddingRepository
	projectors  ProjectorSource
	catalog     *spatial.Catalog
	checkpoints storage.CheckpointRepository
	snapshots   blob.Store
	config      *Config
	progress    io.Writer
	logger      *slog.Logger
}

// ReprojectorOption configures a Reprojector.
type ReprojectorOption func(*Reprojector) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) ReprojectorOption {
	return func(r *Reprojector) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}

// WithConfig sets batching and retry parameters.
// Default is DefaultConfig().
func WithConfig(config *Config) ReprojectorOption {
	return func(r *Reprojector) error {
		if config != nil {
			r.config = config
		}
		return nil
	}
}

// WithProgress sets where progress is printed.
// Default is io.Discard.
func WithProgress(w io.Writer) ReprojectorOption {
	return func(r *Reprojector) error {
		if w != nil {
			r.progress = w
		}
		return nil
	}
}

// WithCheckpoints records progress after every batch.
func WithCheckpoints(checkpoints storage.CheckpointRepository) ReprojectorOption {
	return func(r *Reprojector) error {
		r.checkpoints = checkpoints
		return nil
	}
}

// WithSnapshotStore persists every rebuilt index to store and removes
// older snapshots of the model.
func WithSnapshotStore(store blob.Store) ReprojectorOption {
	return func(r *Reprojector) error {
		r.snapshots = store
		return nil
	}
}

// NewReprojector creates a new Reprojector.
func NewReprojector(embeddings storage.EmbeddingRepository, projectors ProjectorSource, catalog *spatial.Catalog, opts ...ReprojectorOption) (*Reprojector, error) {
	if embeddings == nil {
		return nil, ErrEmbeddingRepositoryRequired
	}
	if projectors == nil {
		return nil, ErrProjectorsRequired
	}
	if catalog == nil {
		return nil, ErrCatalogRequired
	}

	r := &Reprojector{
		embeddings: embeddings,
		projectors: projectors,
		catalog:    catalog,
		config:     DefaultConfig(),
		progress:   io.Discard,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "reproject")
	return r, nil
}

// CheckpointType names the checkpoint of a reprojection run.
func CheckpointType(modelID string, version uint64) string {
	return fmt.Sprintf("reproject:%s:%d", modelID, version)
}

// Run projects every embedding of a model with its active landmark set,
// stores the coordinates, and replaces the model's index with a tree built
// from them. Rows already projected with the active version are reused, so
// an interrupted run picks up where it stopped.
//
// Returns core.ErrNotFound if the model has no active landmark set and
// spatial.ErrRebuildInProgress if another rebuild of the model is running.
func (r *Reprojector) Run(ctx context.Context, modelID string) (*Stats, error) {
	p := r.projectors.Active(modelID)
	if p == nil {
		return nil, fmt.Errorf("%w: no active landmark set for model %q", core.ErrNotFound, modelID)
	}
	version := p.Version()

	if err := r.catalog.BeginRebuild(modelID, version); err != nil {
		return nil, err
	}
	completed := false
	defer func() {
		if !completed {
			r.catalog.AbortRebuild(modelID)
		}
	}()

	tree, err := spatial.NewRTree(p.Dims())
	if err != nil {
		return nil, err
	}

	total, err := r.embeddings.CountEmbeddings(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to count embeddings: %w", err)
	}

	stats := &Stats{ModelID: modelID, LandmarkVersion: version}
	cpType := CheckpointType(modelID, version)
	if r.checkpoints != nil {
		cp, err := r.checkpoints.LoadCheckpoint(ctx, cpType)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp != nil {
			stats.Resumed = true
			r.logger.Info("resuming reprojection", "model", modelID, "version", version, "last_id", cp.LastID)
		}
	}

	fmt.Fprintf(r.progress, "Reprojecting %d embeddings of %s onto landmark set %d (batch size: %d)\n",
		total, modelID, version, r.config.BatchSize)
	tracker := NewProgressTracker(r.progress, "embeddings", total, r.config.ReportInterval)
	tracker.Start()

	iter := NewEmbeddingIterator(r.embeddings, modelID, r.config.BatchSize)
	err = iter.ForEach(ctx, 0, func(batch []*core.Embedding) error {
		coords := make(map[core.AtomID][]float64)
		for _, e := range batch {
			point := e.Coordinate
			if e.IsProjectedWith(version) {
				stats.Skipped++
			} else {
				var err error
				point, err = p.Project(e.Vector)
				if err != nil {
					return fmt.Errorf("failed to project atom %d: %w", e.AtomID, err)
				}
				coords[e.AtomID] = point
			}
			if err := tree.Insert(point, e.AtomID); err != nil {
				return fmt.Errorf("failed to index atom %d: %w", e.AtomID, err)
			}
		}

		if len(coords) > 0 {
			err := retry.WithBackoff(ctx, func() error {
				return r.embeddings.SetCoordinates(ctx, modelID, version, coords)
			}, r.config.MaxRetries, r.config.RetryDelay)
			if err != nil {
				return fmt.Errorf("failed to store coordinates: %w", err)
			}
		}
		stats.Total += len(batch)
		stats.Updated += len(coords)
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

	snap, err := r.catalog.CompleteRebuild(modelID, tree)
	if err != nil {
		return nil, err
	}
	completed = true
	tracker.Finish()
	stats.Elapsed = tracker.Elapsed()

	if r.snapshots != nil {
		if err := spatial.SaveSnapshot(ctx, r.snapshots, snap); err != nil {
			r.logger.Warn("failed to save index snapshot", "model", modelID, "version", version, "error", err)
		} else if err := spatial.DeleteSnapshots(ctx, r.snapshots, modelID, version); err != nil {
			r.logger.Warn("failed to delete old index snapshots", "model", modelID, "error", err)
		}
	}
	if r.checkpoints != nil {
		if err := r.checkpoints.DeleteCheckpoint(ctx, cpType); err != nil {
			r.logger.Warn("failed to delete checkpoint", "type", cpType, "error", err)
		}
	}

	r.logger.Info("reprojection complete", "model", modelID, "version", version,
		"total", stats.Total, "updated", stats.Updated, "skipped", stats.Skipped,
		"elapsed", stats.Elapsed.Round(time.Millisecond))
	return stats, nil
}
