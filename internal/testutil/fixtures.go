package testutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
)

// NewTensor builds a tensor with the given shape and row-major values
func NewTensor(name string, shape []int, values ...float64) params.Tensor {
	t := params.NewTensor(name, shape...)
	copy(t.Data, values)
	return t
}

// AssertBitIdentical fails unless got has the same names, shapes and IEEE-754
// bit patterns as want. Equal floats are not enough: -0 and NaN payloads must survive.
func AssertBitIdentical(t *testing.T, want, got params.Tensors) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Shape, got[i].Shape)
		require.Len(t, got[i].Data, len(want[i].Data))
		for j := range want[i].Data {
			assert.Equal(t, math.Float64bits(want[i].Data[j]), math.Float64bits(got[i].Data[j]),
				"tensor %s element %d", want[i].Name, j)
		}
	}
}
