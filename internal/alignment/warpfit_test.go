package alignment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"nres-tracer/internal/errs"
	"nres-tracer/internal/poly"
	"nres-tracer/pkg/geometry"
)

func assertWarpMaps(t *testing.T, w poly.CoordinateWarp, from, to Catalog, tol float64) {
	t.Helper()
	for i := range from {
		p := w.Apply(geometry.Point2D{X: from[i].X, Y: from[i].Y})
		assert.InDelta(t, to[i].X, p.X, tol, "source %d x", i)
		assert.InDelta(t, to[i].Y, p.Y, tol, "source %d y", i)
	}
}

func TestFitWarpRecoversShift(t *testing.T) {
	ref := randomCatalog(1289341, 40, 200, 3900)
	input := transformCatalog(ref, geometry.Similarity(1, 0, 7.3, -4.6))

	opts := DefaultWarpOptions()
	opts.MaxEvaluations = 3000
	opts.MaxDuration = 20 * time.Second

	res, err := FitWarp(input, ref, opts)
	require.NoError(t, err)
	assert.InEpsilon(t, 1.0, res.Scale, 1e-3)
	assert.InDelta(t, 7.3, res.Offset.X, 0.5)
	assert.InDelta(t, -4.6, res.Offset.Y, 0.5)
	assert.True(t, res.Polished)
	assert.Equal(t, 40, res.Matches)
	assert.Equal(t, 3, res.Warp.Order)
	assert.Less(t, res.Score, 1e-6)
	assert.Positive(t, res.Evaluations)
	assertWarpMaps(t, res.Warp, ref, input, 1e-4)
}

func TestFitWarpFallsBackToGrid(t *testing.T) {
	ref := randomCatalog(5, 40, 200, 3900)
	input := transformCatalog(ref, geometry.Similarity(1, 0, -3.2, 11.9))

	core, logs := observer.New(zapcore.WarnLevel)
	opts := DefaultWarpOptions()
	opts.Scale = 1
	opts.MaxEvaluations = 1
	opts.Polish = false
	opts.Logger = zap.New(core)

	res, err := FitWarp(input, ref, opts)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.False(t, res.Polished)
	assert.Equal(t, res.GridScore, res.Score)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assertWarpMaps(t, res.Warp, ref, input, 1e-6)
}

func TestFitWarpValidation(t *testing.T) {
	ref := randomCatalog(1, 10, 0, 1000)

	_, err := FitWarp(ref[:2], ref, DefaultWarpOptions())
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	opts := DefaultWarpOptions()
	opts.Order = 0
	_, err = FitWarp(ref, ref, opts)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	opts = DefaultWarpOptions()
	opts.MatchRadius = 0
	_, err = FitWarp(ref, ref, opts)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestMatcherScore(t *testing.T) {
	m := newMatcher([]geometry.Point2D{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 100, Y: 100}}, 25)

	q, d1, d2 := m.nearest(geometry.Point2D{X: 1, Y: 0})
	assert.Equal(t, geometry.Point2D{X: 0, Y: 0}, q)
	assert.Equal(t, 1.0, d1)
	assert.Equal(t, 81.0, d2)

	s, n := m.score([]geometry.Point2D{{X: 1, Y: 0}})
	assert.InDelta(t, 1.0/81, s, 1e-12)
	assert.Equal(t, 1, n)

	s, n = m.score([]geometry.Point2D{{X: 1, Y: 0}, {X: 500, Y: 500}})
	assert.InDelta(t, 1+1.0/81, s, 1e-12)
	assert.Equal(t, 1, n)

	s, n = m.score([]geometry.Point2D{{X: 500, Y: 500}})
	assert.Equal(t, noMatchPenalty, s)
	assert.Zero(t, n)
}

func TestNormalizerRoundTrip(t *testing.T) {
	w := poly.WarpFromAffine(geometry.Similarity(1.01, 0.002, 12, -7), 3)
	w.X[2] = 3e-6
	w.Y[9] = -2e-10

	z := normalizer{order: 3, n: DetectorSize}
	p := z.params(w)
	assert.InDelta(t, 12.0/DetectorSize, p[0], 1e-15)
	assert.InDelta(t, w.X[1], p[1], 1e-15)

	back := z.warp(p)
	for k := range w.X {
		assert.InDelta(t, w.X[k], back.X[k], 1e-12*max(1, abs64(w.X[k])))
		assert.InDelta(t, w.Y[k], back.Y[k], 1e-12*max(1, abs64(w.Y[k])))
	}
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
