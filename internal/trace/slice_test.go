package trace

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
)

// columnFrame returns a 3-column frame whose middle column holds vals.
func columnFrame(t *testing.T, vals []float64) *nresimage.Frame {
	t.Helper()
	f := nresimage.NewFrame(3, len(vals))
	for y, v := range vals {
		f.Set(1, y, v)
	}
	return f
}

func TestWindows(t *testing.T) {
	assert.Equal(t, Window{Lower: 92, Upper: 109}, Centered(100.4, 8))
	assert.Equal(t, Window{Lower: 93, Upper: 110}, Centered(100.6, 8))
	assert.Equal(t, Window{Lower: 10, Upper: 30}, Bounded(10.2, 29.7))
}

func TestExtractSlice(t *testing.T) {
	f := columnFrame(t, []float64{5, 6, 7, 8, 9, 10})

	s, err := ExtractSlice(f, 1, Window{Lower: 1, Upper: 4}, SliceOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, s.Rows)
	assert.Equal(t, []float64{6, 7, 8}, s.Values)
	assert.False(t, s.BackgroundRemoved)

	s, err = ExtractSlice(f, 1, Window{Lower: 1, Upper: 4}, SliceOptions{RemoveBackground: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, s.Values)
	assert.True(t, s.BackgroundRemoved)
}

func TestExtractSliceErrors(t *testing.T) {
	f := columnFrame(t, make([]float64, 10))

	tests := []struct {
		name   string
		column int
		w      Window
		opts   SliceOptions
		want   error
	}{
		{"column left", -1, Window{0, 5}, SliceOptions{}, errs.ErrOutOfBounds},
		{"column right", 3, Window{0, 5}, SliceOptions{}, errs.ErrOutOfBounds},
		{"rows below", 1, Window{-1, 5}, SliceOptions{}, errs.ErrOutOfBounds},
		{"rows above", 1, Window{5, 11}, SliceOptions{}, errs.ErrOutOfBounds},
		{"empty", 1, Window{4, 4}, SliceOptions{}, errs.ErrInvalidInput},
		{"even kernel", 1, Window{0, 10}, SliceOptions{Smooth: 4}, errs.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractSlice(f, tt.column, tt.w, tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExtractSliceSmooths(t *testing.T) {
	f := columnFrame(t, []float64{5, 5, 5, 500, 5, 5, 5})
	s, err := ExtractSlice(f, 1, Window{Lower: 1, Upper: 6}, SliceOptions{Smooth: 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 5, 5, 5, 5}, s.Values[:5])
}

func TestRemoveBackgroundIdempotent(t *testing.T) {
	s := Slice{Rows: []int{0, 1, 2, 3}, Values: []float64{12, 3.5, 40, 7}}
	once := s.RemoveBackground()
	twice := once.RemoveBackground()

	assert.Equal(t, 0.0, floats.Min(once.Values))
	assert.Equal(t, once.Values, twice.Values)
	assert.Equal(t, []float64{12, 3.5, 40, 7}, s.Values, "input must not be modified")
}

func TestCentroid(t *testing.T) {
	c, ok := Centroid(Slice{Rows: []int{10, 11, 12}, Values: []float64{1, 2, 1}})
	require.True(t, ok)
	assert.InDelta(t, 11.0, c, 1e-12)

	c, ok = Centroid(Slice{Rows: []int{10, 11, 12}, Values: []float64{0, 1, 3}})
	require.True(t, ok)
	assert.InDelta(t, 11.75, c, 1e-12)

	c, ok = Centroid(Slice{Rows: []int{10, 11}, Values: []float64{0, 0}})
	assert.False(t, ok)
	assert.True(t, math.IsNaN(c))
}

func TestRefineGaussian(t *testing.T) {
	vals := make([]float64, 60)
	for y := range vals {
		d := float64(y) - 30.3
		vals[y] = 1000*math.Exp(-d*d/8) + 10
	}
	f := columnFrame(t, vals)

	c, s, err := refine(f, 1, 27, 8)
	require.NoError(t, err)
	assert.InDelta(t, 30.3, c, 0.01)
	assert.Len(t, s.Values, 17)

	_, _, err = refine(columnFrame(t, make([]float64, 60)), 1, 27, 8)
	assert.ErrorIs(t, err, errs.ErrSearchExhausted)
}
