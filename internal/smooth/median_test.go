package smooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nres-tracer/internal/errs"
)

func TestMedian1DRemovesSpike(t *testing.T) {
	in := []float64{5, 5, 5, 900, 5, 5, 5}
	out, err := Median1D(in, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 5, 5, 5, 5, 5, 5}, out)

	// a k=7 window at index 0 holds three zero pads, so two real samples
	// below the rest are enough to drag the median to zero
	out, err = Median1D([]float64{5, 0, 0, 5, 5, 5, 5}, 7)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out[0])
	assert.Equal(t, 5.0, out[3])
}

func TestMedian1DIdentityKernel(t *testing.T) {
	in := []float64{3, 1, 2}
	out, err := Median1D(in, 1)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	out[0] = 99
	assert.Equal(t, 3.0, in[0])
}

func TestMedianRejectsEvenKernel(t *testing.T) {
	_, err := Median1D([]float64{1, 2, 3}, 4)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = Median2D([]float64{1, 2, 3, 4}, 2, 2, 2)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestMedian2D(t *testing.T) {
	in := make([]float64, 25)
	for i := range in {
		in[i] = 10
	}
	in[12] = 1e6

	out, err := Median2D(in, 5, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, 10.0, out[12])
	// corner window holds 4 real pixels and 5 zero pads
	assert.Equal(t, 0.0, out[0])

	_, err = Median2D(in, 4, 5, 3)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}
