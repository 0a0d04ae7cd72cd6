package landmark

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/poiesic/atomstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSet(metric core.Metric) *core.LandmarkSet {
	return &core.LandmarkSet{
		ModelID:   "m",
		Version:   1,
		Dimension: 3,
		Metric:    metric,
		Landmarks: [][]float32{{1, 0, 0}, {0, 2, 0}, {0, 0, 3}},
	}
}

func TestProject_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	set, err := Build("m", randomUnitVectors(rng, 40, 64), DefaultBuildOptions())
	require.NoError(t, err)
	p, err := NewProjector(set)
	require.NoError(t, err)

	for _, v := range randomUnitVectors(rng, 100, 64) {
		a, err := p.Project(v)
		require.NoError(t, err)
		b, err := p.Project(append([]float32(nil), v...))
		require.NoError(t, err)
		for i := range a {
			assert.Equal(t, math.Float64bits(a[i]), math.Float64bits(b[i]))
		}
	}
}

func TestProject_LandmarkItselfIsAtZero(t *testing.T) {
	p, err := NewProjector(testSet(core.MetricEuclidean))
	require.NoError(t, err)

	coord, err := p.Project([]float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, coord[0])
	assert.InDelta(t, math.Sqrt(5), coord[1], 1e-12)
	assert.InDelta(t, math.Sqrt(10), coord[2], 1e-12)
}

func TestProject_ZeroVector(t *testing.T) {
	cosine, err := NewProjector(testSet(core.MetricCosine))
	require.NoError(t, err)
	coord, err := cosine.Project([]float32{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1}, coord)

	euclidean, err := NewProjector(testSet(core.MetricEuclidean))
	require.NoError(t, err)
	coord, err = euclidean.Project([]float32{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, coord)

	// The canonical coordinate is not shared with callers.
	coord[0] = 42
	again, err := euclidean.Project([]float32{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, again[0])
}

func TestProject_DimensionMismatch(t *testing.T) {
	p, err := NewProjector(testSet(core.MetricCosine))
	require.NoError(t, err)

	_, err = p.Project([]float32{1, 2})
	require.ErrorIs(t, err, core.ErrDimensionMismatch)
	var dm *core.DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)
}

func TestNewProjector_Invalid(t *testing.T) {
	_, err := NewProjector(nil)
	assert.ErrorIs(t, err, core.ErrInsufficientData)

	set := testSet(core.MetricCosine)
	set.Metric = 0
	_, err = NewProjector(set)
	assert.ErrorIs(t, err, core.ErrInvalidMetric)

	set = testSet(core.MetricCosine)
	set.Landmarks[1] = []float32{1}
	_, err = NewProjector(set)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestProjector_Accessors(t *testing.T) {
	p, err := NewProjector(testSet(core.MetricCosine))
	require.NoError(t, err)
	assert.Equal(t, "m", p.ModelID())
	assert.Equal(t, uint64(1), p.Version())
	assert.Equal(t, 3, p.Dimension())
	assert.Equal(t, 3, p.Dims())
	assert.Equal(t, 0.0, p.Distance()([]float32{1, 2, 3}, []float32{1, 2, 3}))
}
