// Package distance provides the exact distance functions shared by the
// landmark projector and the search reranker.
//
// All accumulation happens in float64 so that projected coordinates and
// reranked distances are reproducible bit for bit for identical inputs.
package distance

import (
	"fmt"
	"math"
	"slices"

	"github.com/poiesic/atomstore/core"
)

// Func computes the distance between two vectors of equal length.
// Results are never negative.
type Func func(a, b []float32) float64

// For returns the distance function for the given metric.
func For(m core.Metric) (Func, error) {
	switch m {
	case core.MetricCosine:
		return Cosine, nil
	case core.MetricEuclidean:
		return Euclidean, nil
	default:
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidMetric, m)
	}
}

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	return math.Sqrt(Dot(v, v))
}

// IsZero reports whether every component of v is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Cosine returns 1 - cos(a, b), clamped to [0, 2].
// Identical vectors are exactly 0 apart. A zero vector is treated as
// orthogonal to every non-zero vector, so its distance to them is 1.
func Cosine(a, b []float32) float64 {
	if slices.Equal(a, b) {
		return 0
	}
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		if na == 0 && nb == 0 {
			return 0
		}
		return 1
	}
	d := 1 - Dot(a, b)/(na*nb)
	return clamp(d, 0, 2)
}

// Similarity returns the cosine similarity of a and b in [-1, 1].
func Similarity(a, b []float32) float64 {
	return 1 - Cosine(a, b)
}

// SquaredEuclidean returns the squared L2 distance between a and b.
func SquaredEuclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// Euclidean returns the L2 distance between a and b.
func Euclidean(a, b []float32) float64 {
	if slices.Equal(a, b) {
		return 0
	}
	return math.Sqrt(SquaredEuclidean(a, b))
}

// Point returns the L2 distance between two projected coordinates.
func Point(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
