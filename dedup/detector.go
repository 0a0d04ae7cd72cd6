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
package dedup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/distance"
	"github.com/poiesic/atomstore/landmark"
	"github.com/poiesic/atomstore/search"
	"github.com/poiesic/atomstore/storage"
)

// Searcher finds the nearest stored embeddings to a vector.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// Detector checks new embeddings against their nearest neighbors.
type Detector struct {
	searcher   Searcher
	embeddings storage.EmbeddingRepository
	reports    storage.ReportRepository
	projectors search.ProjectorSource
	policy     Policy
	logger     *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) error {
		if logger == nil {
			logger = slog.Default()
		}
		d.logger = logger
		return nil
	}
}

// WithPolicy replaces the default policy.
func WithPolicy(policy Policy) Option {
	return func(d *Detector) error {
		if err := policy.Validate(); err != nil {
			return err
		}
		d.policy = policy
		return nil
	}
}

// WithProjectors supplies landmark projectors, which the spatial check needs.
func WithProjectors(projectors search.ProjectorSource) Option {
	return func(d *Detector) error {
		d.projectors = projectors
		return nil
	}
}

// NewDetector creates a new detector.
func NewDetector(
	searcher Searcher,
	embeddings storage.EmbeddingRepository,
	reports storage.ReportRepository,
	opts ...Option,
) (*Detector, error) {
	if searcher == nil {
		return nil, ErrSearcherRequired
	}
	if embeddings == nil {
		return nil, ErrEmbeddingRepositoryRequired
	}
	if reports == nil {
		return nil, ErrReportRepositoryRequired
	}

	d := &Detector{
		searcher:   searcher,
		embeddings: embeddings,
		reports:    reports,
		policy:     DefaultPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	d.logger = d.logger.With("component", "dedup")
	return d, nil
}

// Policy returns the active policy.
func (d *Detector) Policy() Policy {
	return d.policy
}

// Check searches for near duplicates of e and persists a report for every
// neighbor passing the policy. The reports are returned nearest first.
func (d *Detector) Check(ctx context.Context, e *core.Embedding) ([]*core.NearDuplicateReport, error) {
	if err := core.ValidateEmbedding(e); err != nil {
		return nil, err
	}
	if !d.policy.Enabled() {
		return nil, nil
	}

	result, err := d.searcher.Search(ctx, search.Request{
		ModelID: e.ModelID,
		Vector:  e.Vector,
		// one extra for the atom itself
		TopK: d.policy.MaxCandidates + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("searching neighbors of atom %d: %w", e.AtomID, err)
	}

	ids := make([]core.AtomID, 0, len(result.Hits))
	for _, h := range result.Hits {
		if h.AtomID != e.AtomID {
			ids = append(ids, h.AtomID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > d.policy.MaxCandidates {
		ids = ids[:d.policy.MaxCandidates]
	}
	candidates, err := d.embeddings.GetEmbeddings(ctx, e.ModelID, ids...)
	if err != nil {
		return nil, err
	}

	var projector *landmark.Projector
	var coord []float64
	if d.projectors != nil {
		projector = d.projectors.Active(e.ModelID)
	}
	if projector != nil {
		coord, err = projector.Project(e.Vector)
		if err != nil {
			return nil, err
		}
	}

	var reports []*core.NearDuplicateReport
	for _, c := range candidates {
		similarity := distance.Similarity(e.Vector, c.Vector)
		coordDistance, projected := 0.0, false
		if projector != nil {
			other := c.Coordinate
			if !c.IsProjectedWith(projector.Version()) {
				if other, err = projector.Project(c.Vector); err != nil {
					return nil, err
				}
			}
			coordDistance, projected = distance.Point(coord, other), true
		}
		if !d.policy.accepts(similarity, coordDistance, projected) {
			continue
		}
		reports = append(reports, &core.NearDuplicateReport{
			AtomID:             e.AtomID,
			CandidateID:        c.AtomID,
			ModelID:            e.ModelID,
			Similarity:         similarity,
			CoordinateDistance: coordDistance,
		})
	}
	if len(reports) == 0 {
		return nil, nil
	}

	if err := d.reports.SaveReports(ctx, reports...); err != nil {
		return nil, fmt.Errorf("saving near-duplicate reports: %w", err)
	}
	d.logger.Info("near duplicates detected",
		"atom_id", e.AtomID,
		"model", e.ModelID,
		"count", len(reports),
		"partial", result.Partial)
	return reports, nil
}
