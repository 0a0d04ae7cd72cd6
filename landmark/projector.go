package landmark

import (
	"fmt"

	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/distance"
)

// Projector maps vectors to coordinates against one landmark set.
// It is immutable and safe for concurrent use.
type Projector struct {
	set  *core.LandmarkSet
	dist distance.Func
	zero []float64
}

// NewProjector creates a projector for set. The set must not be modified
// afterwards.
func NewProjector(set *core.LandmarkSet) (*Projector, error) {
	if set == nil || len(set.Landmarks) == 0 {
		return nil, fmt.Errorf("%w: landmark set is empty", core.ErrInsufficientData)
	}
	dist, err := distance.For(set.Metric)
	if err != nil {
		return nil, err
	}
	for _, l := range set.Landmarks {
		if err := core.CheckDimension(set.ModelID, set.Dimension, len(l)); err != nil {
			return nil, err
		}
	}
	return &Projector{
		set:  set,
		dist: dist,
		zero: canonicalZero(set),
	}, nil
}

// canonicalZero is the coordinate of the all-zero vector. Under cosine the
// zero vector has no direction and is placed at distance 1 from every
// landmark. Under Euclidean it sits at each landmark's norm.
func canonicalZero(set *core.LandmarkSet) []float64 {
	coord := make([]float64, len(set.Landmarks))
	for i, l := range set.Landmarks {
		switch set.Metric {
		case core.MetricEuclidean:
			coord[i] = distance.Norm(l)
		default:
			coord[i] = 1
		}
	}
	return coord
}

// Project returns the distance from v to every landmark.
// Identical vectors always produce identical coordinates.
func (p *Projector) Project(v []float32) ([]float64, error) {
	if err := core.CheckDimension(p.set.ModelID, p.set.Dimension, len(v)); err != nil {
		return nil, err
	}
	if distance.IsZero(v) {
		return append([]float64(nil), p.zero...), nil
	}
	coord := make([]float64, len(p.set.Landmarks))
	for i, l := range p.set.Landmarks {
		coord[i] = p.dist(v, l)
	}
	return coord, nil
}

// Set returns the landmark set. Callers must not modify it.
func (p *Projector) Set() *core.LandmarkSet { return p.set }

// ModelID returns the model the landmarks belong to.
func (p *Projector) ModelID() string { return p.set.ModelID }

// Version returns the landmark set version.
func (p *Projector) Version() uint64 { return p.set.Version }

// Dimension returns the vector dimension the projector accepts.
func (p *Projector) Dimension() int { return p.set.Dimension }

// Dims returns the dimension of produced coordinates.
func (p *Projector) Dims() int { return len(p.set.Landmarks) }

// Distance returns the exact distance function of the set's metric.
func (p *Projector) Distance() distance.Func { return p.dist }
