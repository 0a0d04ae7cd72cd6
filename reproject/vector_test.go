package reproject

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVector(t *testing.T) {
	tests := []struct {
		name     string
		input    []float32
		expected []float32
	}{
		{"unit vector unchanged", []float32{1, 0, 0}, []float32{1, 0, 0}},
		{"three four five", []float32{3, 4}, []float32{0.6, 0.8}},
		{"negative values", []float32{-1, 1}, []float32{-1 / float32(math.Sqrt2), 1 / float32(math.Sqrt2)}},
		{"zero vector", []float32{0, 0, 0}, []float32{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeVector(tt.input)
			require.Len(t, result, len(tt.expected))
			for i := range result {
				assert.InDelta(t, tt.expected[i], result[i], 1e-6, "element %d", i)
			}
		})
	}
}

func TestNormalizeVector_DoesNotModifyInput(t *testing.T) {
	input := []float32{3, 4}
	NormalizeVector(input)
	assert.Equal(t, []float32{3, 4}, input)
}

func TestNormalizeVector_Empty(t *testing.T) {
	assert.Empty(t, NormalizeVector(nil))
}
