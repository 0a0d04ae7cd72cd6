package landmark

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/distance"
)

const (
	// DefaultCount is the number of landmarks, and so the dimensionality of
	// projected coordinates.
	DefaultCount = 3

	// MaxCount bounds the dimensionality of projected coordinates.
	MaxCount = 8
)

// BuildOptions controls landmark selection.
type BuildOptions struct {
	Count  int
	Metric core.Metric
	// Seed drives the choice of the first landmark. Builds with the same
	// seed over the same vectors select the same landmarks.
	Seed uint64
}

// DefaultBuildOptions returns three cosine landmarks with seed 0.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{Count: DefaultCount, Metric: core.MetricCosine}
}

// Build selects opts.Count landmarks from vectors by greedy farthest-point
// selection: the first landmark is drawn at random, every following one is
// the vector whose distance to its nearest chosen landmark is largest.
//
// Build needs at least Count+1 usable vectors, and they must be spread out
// enough that every landmark sits at a positive distance from the others.
// Otherwise it returns core.ErrInsufficientData. Under the cosine metric
// zero vectors carry no direction and are not usable.
//
// The returned set has no version or state; those are assigned when it is
// saved.
func Build(modelID string, vectors [][]float32, opts BuildOptions) (*core.LandmarkSet, error) {
	if opts.Count <= 0 || opts.Count > MaxCount {
		return nil, fmt.Errorf("%w: got %d, want 1 to %d", ErrInvalidCount, opts.Count, MaxCount)
	}
	dist, err := distance.For(opts.Metric)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no vectors for model %q", core.ErrInsufficientData, modelID)
	}

	dim := len(vectors[0])
	candidates := make([][]float32, 0, len(vectors))
	for _, v := range vectors {
		if err := core.CheckDimension(modelID, dim, len(v)); err != nil {
			return nil, err
		}
		if opts.Metric == core.MetricCosine && distance.IsZero(v) {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) < opts.Count+1 {
		return nil, fmt.Errorf("%w: model %q has %d usable vectors, need at least %d",
			core.ErrInsufficientData, modelID, len(candidates), opts.Count+1)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	chosen := []int{rng.IntN(len(candidates))}

	// nearest[i] is the distance from candidate i to its closest landmark.
	nearest := make([]float64, len(candidates))
	for i, v := range candidates {
		nearest[i] = dist(v, candidates[chosen[0]])
	}

	for len(chosen) < opts.Count {
		best := -1
		for i, d := range nearest {
			if best < 0 || d > nearest[best] {
				best = i
			}
		}
		if nearest[best] <= 0 {
			return nil, fmt.Errorf("%w: model %q has only %d distinct vectors, need %d landmarks",
				core.ErrInsufficientData, modelID, len(chosen), opts.Count)
		}
		chosen = append(chosen, best)
		for i, v := range candidates {
			nearest[i] = min(nearest[i], dist(v, candidates[best]))
		}
	}

	landmarks := make([][]float32, len(chosen))
	for i, idx := range chosen {
		landmarks[i] = slices.Clone(candidates[idx])
	}
	return &core.LandmarkSet{
		ModelID:   modelID,
		Dimension: dim,
		Metric:    opts.Metric,
		Landmarks: landmarks,
	}, nil
}
