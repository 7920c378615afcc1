package alignment

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nres-tracer/internal/errs"
	"nres-tracer/pkg/geometry"
)

func randomCatalog(seed int64, n int, lo, hi float64) Catalog {
	rng := rand.New(rand.NewSource(seed))
	c := make(Catalog, n)
	for i := range c {
		c[i] = Source{
			X:    lo + rng.Float64()*(hi-lo),
			Y:    lo + rng.Float64()*(hi-lo),
			Flux: 100 + 1000*rng.Float64(),
		}
	}
	return c
}

func transformCatalog(c Catalog, t geometry.AffineTransform) Catalog {
	out := make(Catalog, len(c))
	for i, s := range c {
		p := t.Apply(geometry.Point2D{X: s.X, Y: s.Y})
		out[i] = s
		out[i].X, out[i].Y = p.X, p.Y
	}
	return out
}

func TestCorrelatePeakLag(t *testing.T) {
	a := make([]float64, 32)
	b := make([]float64, 32)
	a[10], b[3] = 1, 1
	assert.InDelta(t, 7.0, peakLag(correlate(a, b, 64)), 1e-9)
	assert.InDelta(t, -7.0, peakLag(correlate(b, a, 64)), 1e-9)
}

func TestEstimateScale(t *testing.T) {
	ref := randomCatalog(1289341, 30, -100, 100)
	for _, s := range []float64{0.1, 0.5, 1, 2, 3, 10} {
		t.Run(fmt.Sprint(s), func(t *testing.T) {
			input := transformCatalog(ref, geometry.Similarity(s, 0, 0, 0))
			got, err := EstimateScale(input, ref)
			require.NoError(t, err)
			assert.InEpsilon(t, s, got, 1e-3)
		})
	}
}

func TestEstimateScaleIgnoresRotationAndShift(t *testing.T) {
	ref := randomCatalog(7, 40, 0, 1000)
	input := transformCatalog(ref, geometry.Similarity(1.5, 0.7, 120, -40))
	got, err := EstimateScale(input, ref)
	require.NoError(t, err)
	assert.InEpsilon(t, 1.5, got, 1e-3)
}

func TestEstimateRotation(t *testing.T) {
	ref := randomCatalog(99, 60, 0, 1000)
	for _, theta := range []float64{0, 0.3, -0.2} {
		input := transformCatalog(ref, geometry.Similarity(1, theta, 15, 15))
		got, err := EstimateRotation(input, ref)
		require.NoError(t, err)
		assert.InDelta(t, theta, got, 0.005, "theta %g", theta)
	}
}

func TestEstimatorsRejectSmallCatalogs(t *testing.T) {
	ref := randomCatalog(1, 10, 0, 100)
	small := ref[:2]

	_, err := EstimateScale(small, ref)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = EstimateRotation(ref, small)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = EstimateOffset(small, ref, 1, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestEstimateOffset(t *testing.T) {
	ref := randomCatalog(1289341, 30, 0, 500)

	input := transformCatalog(ref, geometry.Similarity(1, 0, 3.37, -12.81))
	off, err := EstimateOffset(input, ref, 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, 3.37, off.X, 1e-4)
	assert.InDelta(t, -12.81, off.Y, 1e-4)

	input = transformCatalog(ref, geometry.Similarity(2, 0.1, -20.05, 7.5))
	off, err = EstimateOffset(input, ref, 2, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, -20.05, off.X, 1e-4)
	assert.InDelta(t, 7.5, off.Y, 1e-4)
}

func TestEstimateOffsetOutOfRange(t *testing.T) {
	ref := randomCatalog(3, 10, 0, 100)
	input := transformCatalog(ref, geometry.Similarity(1, 0, 1000, 1000))
	_, err := EstimateOffset(input, ref, 1, 0)
	assert.ErrorIs(t, err, errs.ErrSearchExhausted)
}

func TestCatalogSaveLoad(t *testing.T) {
	c := Catalog{{X: 1, Y: 2, Flux: 30, A: 1.5, B: 1.2, Theta: 0.3}, {X: 4, Y: 5, Flux: 60}}
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, c.Save(path))

	got, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	assert.Equal(t, Catalog{c[1]}, c.Brightest(1))
	assert.Len(t, c.Brightest(0), 2)
}
