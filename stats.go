package atomstore

import (
	"context"
	"time"
)

// ModelStats describes one embedding model.
type ModelStats struct {
	ModelID    string
	Dimension  int
	Embeddings int
	CreatedAt  time.Time
	// LandmarkVersion is the active landmark set, 0 if there is none.
	LandmarkVersion uint64
	// IndexVersion is the landmark version the index was built with.
	IndexVersion uint64
	Indexed      int
	Rebuilding   bool
}

// Stale reports whether searches of the model fall back to brute force
// because the index does not match the active landmark set.
func (m *ModelStats) Stale() bool {
	return m.LandmarkVersion != 0 && m.IndexVersion != m.LandmarkVersion
}

// Stats summarizes a store.
type Stats struct {
	Atoms  int
	Models []*ModelStats
}

// Stats counts atoms and describes every embedding model.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	atoms, err := s.repos.Atoms.CountAtoms(ctx)
	if err != nil {
		return nil, err
	}
	models, err := s.repos.Embeddings.Models(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Atoms: atoms}
	for _, info := range models {
		count, err := s.repos.Embeddings.CountEmbeddings(ctx, info.ModelID)
		if err != nil {
			return nil, err
		}
		m := &ModelStats{
			ModelID:    info.ModelID,
			Dimension:  info.Dimension,
			Embeddings: count,
			CreatedAt:  info.CreatedAt,
		}
		if p := s.registry.Active(info.ModelID); p != nil {
			m.LandmarkVersion = p.Version()
		}
		if snap := s.catalog.Snapshot(info.ModelID); snap != nil {
			m.IndexVersion = snap.LandmarkVersion
			m.Indexed = snap.Len()
		}
		_, m.Rebuilding = s.catalog.Rebuilding(info.ModelID)
		stats.Models = append(stats.Models, m)
	}
	return stats, nil
}
