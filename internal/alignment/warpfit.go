package alignment

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/kdtree"

	"nres-tracer/internal/errs"
	"nres-tracer/internal/logging"
	"nres-tracer/internal/metrics"
	"nres-tracer/internal/poly"
	"nres-tracer/pkg/geometry"
)

// noMatchPenalty scores a candidate that matched nothing.
const noMatchPenalty = 1e9

// WarpOptions controls FitWarp.
type WarpOptions struct {
	Order int // polynomial order of the fitted warp

	// Scale is the reference-to-input scale. Zero estimates it from the
	// catalogs.
	Scale            float64
	Rotation         float64 // radians, used unless EstimateRotation is set
	EstimateRotation bool

	GridRange   int     // integer translations searched in [-GridRange, GridRange]
	MatchRadius float64 // px; farther nearest neighbours count as unmatched
	MaxSources  int     // brightest sources used for scale/rotation, 0 for all

	MaxEvaluations int
	MaxDuration    time.Duration
	Normalization  float64 // coordinate scale of the optimizer parameters
	SimplexSize    float64 // initial Nelder-Mead simplex size in normalized units

	Polish       bool    // refit matched pairs by least squares after the optimizer
	PolishRadius float64 // px; pairs closer than this are refit

	Logger *zap.Logger
}

// DefaultWarpOptions returns the production settings.
func DefaultWarpOptions() WarpOptions {
	return WarpOptions{
		Order:          3,
		GridRange:      25,
		MatchRadius:    25,
		MaxSources:     500,
		MaxEvaluations: 20000,
		MaxDuration:    30 * time.Second,
		Normalization:  DetectorSize,
		SimplexSize:    1e-3,
		Polish:         true,
		PolishRadius:   1,
	}
}

// Validate checks the option ranges.
func (o WarpOptions) Validate() error {
	switch {
	case o.Order < 1:
		return fmt.Errorf("warp order %d < 1: %w", o.Order, errs.ErrInvalidInput)
	case o.Scale < 0:
		return fmt.Errorf("scale %g < 0: %w", o.Scale, errs.ErrInvalidInput)
	case o.GridRange < 0:
		return fmt.Errorf("grid range %d < 0: %w", o.GridRange, errs.ErrInvalidInput)
	case o.MatchRadius <= 0:
		return fmt.Errorf("match radius %g <= 0: %w", o.MatchRadius, errs.ErrInvalidInput)
	case o.Normalization <= 0:
		return fmt.Errorf("normalization %g <= 0: %w", o.Normalization, errs.ErrInvalidInput)
	case o.MaxEvaluations < 1:
		return fmt.Errorf("max evaluations %d < 1: %w", o.MaxEvaluations, errs.ErrInvalidInput)
	}
	return nil
}

// WarpResult is the outcome of FitWarp. Warp maps reference coordinates
// onto the input frame.
type WarpResult struct {
	Warp      poly.CoordinateWarp
	Score     float64
	GridScore float64
	Scale     float64
	Rotation  float64
	Offset    geometry.Point2D // translation of the best grid candidate
	Matches   int

	Converged   bool // optimizer finished inside its budget and beat the grid
	Polished    bool
	Evaluations int
}

// matcher answers nearest and second-nearest queries against the input
// sources.
type matcher struct {
	tree    *kdtree.Tree
	radius2 float64
}

func newMatcher(pts []geometry.Point2D, radius float64) *matcher {
	kp := make(kdtree.Points, len(pts))
	for i, p := range pts {
		kp[i] = kdtree.Point{p.X, p.Y}
	}
	return &matcher{tree: kdtree.New(kp, false), radius2: radius * radius}
}

// nearest returns the nearest input position and the squared distances to
// the nearest and second-nearest sources.
func (m *matcher) nearest(p geometry.Point2D) (geometry.Point2D, float64, float64) {
	keep := kdtree.NewNKeeper(2)
	m.tree.NearestSet(keep, kdtree.Point{p.X, p.Y})
	if keep.Len() == 0 {
		return geometry.Point2D{}, math.Inf(1), math.Inf(1)
	}
	q := keep.Heap[0].Comparable.(kdtree.Point)
	d2 := math.Inf(1)
	if keep.Len() > 1 {
		d2 = keep.Heap[1].Dist
	}
	return geometry.Point2D{X: q[0], Y: q[1]}, keep.Heap[0].Dist, d2
}

// score is the ratio test: each matched point adds d1/d2, each unmatched
// point adds 1, and no matches at all costs noMatchPenalty. Charging
// unmatched points differs from a sum over matches alone, which would reward
// warps that push sources outside the match radius.
func (m *matcher) score(pts []geometry.Point2D) (float64, int) {
	var s float64
	matched := 0
	for _, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			s++
			continue
		}
		_, d1, d2 := m.nearest(p)
		if d1 > m.radius2 {
			s++
			continue
		}
		matched++
		if d2 > 0 {
			s += d1 / d2
		} else {
			s++
		}
	}
	if matched == 0 {
		return noMatchPenalty, 0
	}
	return s, matched
}

// FitWarp finds the polynomial warp taking reference onto input. An integer
// translation grid around the scale/rotation guess seeds a Nelder-Mead
// search over every warp coefficient. When the optimizer runs out of budget
// the best grid candidate is returned with Converged unset.
func FitWarp(input, reference Catalog, opts WarpOptions) (*WarpResult, error) {
	logger := logging.OrNop(opts.Logger)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := input.check("input"); err != nil {
		return nil, err
	}
	if err := reference.check("reference"); err != nil {
		return nil, err
	}

	res := &WarpResult{Scale: opts.Scale, Rotation: opts.Rotation}
	brightIn, brightRef := input.Brightest(opts.MaxSources), reference.Brightest(opts.MaxSources)
	if res.Scale == 0 {
		s, err := EstimateScale(brightIn, brightRef)
		if err != nil {
			return nil, fmt.Errorf("warp fit: %w", err)
		}
		res.Scale = s
	}
	if opts.EstimateRotation {
		r, err := EstimateRotation(brightIn, brightRef)
		if err != nil {
			return nil, fmt.Errorf("warp fit: %w", err)
		}
		res.Rotation = r
	}

	m := newMatcher(input.Points(), opts.MatchRadius)
	ref := reference.Points()
	warped := make([]geometry.Point2D, len(ref))
	scoreAffine := func(t geometry.AffineTransform) float64 {
		for i, p := range ref {
			warped[i] = t.Apply(p)
		}
		s, _ := m.score(warped)
		return s
	}

	best := geometry.Similarity(res.Scale, res.Rotation, 0, 0)
	res.GridScore = math.Inf(1)
	for dy := -opts.GridRange; dy <= opts.GridRange; dy++ {
		for dx := -opts.GridRange; dx <= opts.GridRange; dx++ {
			t := geometry.Similarity(res.Scale, res.Rotation, float64(dx), float64(dy))
			if s := scoreAffine(t); s < res.GridScore {
				best, res.GridScore = t, s
			}
		}
	}
	if off, err := EstimateOffset(input, reference, res.Scale, res.Rotation); err == nil {
		t := geometry.Similarity(res.Scale, res.Rotation, off.X, off.Y)
		if s := scoreAffine(t); s < res.GridScore {
			best, res.GridScore = t, s
		}
	}
	res.Offset = geometry.Point2D{X: best.TX, Y: best.TY}
	logger.Debug("warp grid search done",
		zap.Float64("scale", res.Scale),
		zap.Float64("rotation", res.Rotation),
		zap.Float64("dx", res.Offset.X),
		zap.Float64("dy", res.Offset.Y),
		zap.Float64("score", res.GridScore))

	np := normalizer{order: opts.Order, n: opts.Normalization}
	gridWarp := poly.WarpFromAffine(best, opts.Order)
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			s, _ := m.score(np.warp(p).ApplyAll(ref))
			return s
		},
	}
	settings := &optimize.Settings{FuncEvaluations: opts.MaxEvaluations, Runtime: opts.MaxDuration}
	opt, err := optimize.Minimize(problem, np.params(gridWarp), settings, &optimize.NelderMead{SimplexSize: opts.SimplexSize})
	if opt != nil {
		res.Evaluations = opt.FuncEvaluations
	}
	metrics.RegistrationEvaluations.Add(float64(res.Evaluations))

	switch {
	case err != nil || opt == nil:
		logger.Warn("warp optimizer failed, using best grid candidate", zap.Error(err))
	case opt.Status.Early():
		logger.Warn("warp optimizer did not converge, using best grid candidate",
			zap.String("status", opt.Status.String()),
			zap.Int("evaluations", res.Evaluations))
	case opt.F > res.GridScore:
		logger.Warn("warp optimizer ended above the grid score, using best grid candidate",
			zap.Float64("score", opt.F), zap.Float64("grid_score", res.GridScore))
	default:
		res.Converged = true
	}
	if res.Converged {
		res.Warp, res.Score = np.warp(opt.X), opt.F
		metrics.RegistrationConverged.Set(1)
	} else {
		res.Warp, res.Score = gridWarp, res.GridScore
		metrics.RegistrationConverged.Set(0)
	}

	if opts.Polish {
		if err := polish(res, m, ref, opts); err != nil && !errors.Is(err, errs.ErrFitFailed) {
			return nil, err
		}
	}
	_, res.Matches = m.score(res.Warp.ApplyAll(ref))
	logger.Info("warp fit done",
		zap.Int("order", opts.Order),
		zap.Float64("score", res.Score),
		zap.Int("matches", res.Matches),
		zap.Bool("converged", res.Converged),
		zap.Bool("polished", res.Polished),
		zap.Int("evaluations", res.Evaluations))
	return res, nil
}

// polish refits the warp by least squares through reference sources whose
// warped position lies within PolishRadius of an input source. The refit
// is kept only if it scores no worse.
func polish(res *WarpResult, m *matcher, ref []geometry.Point2D, opts WarpOptions) error {
	r2 := opts.PolishRadius * opts.PolishRadius
	var src, dst []geometry.Point2D
	for _, p := range ref {
		q, d1, _ := m.nearest(res.Warp.Apply(p))
		if d1 <= r2 {
			src = append(src, p)
			dst = append(dst, q)
		}
	}
	if len(src) < 2*poly.NCoefficients(opts.Order) {
		return fmt.Errorf("polish: %d matched pairs: %w", len(src), errs.ErrFitFailed)
	}
	w, err := poly.FitWarp(src, dst, opts.Order)
	if err != nil {
		return err
	}
	if s, _ := m.score(w.ApplyAll(ref)); s <= res.Score {
		res.Warp, res.Score, res.Polished = w, s, true
	}
	return nil
}

// normalizer maps warp coefficients to optimizer parameters. Coordinates
// on both sides are divided by n, so the coefficient of x^i*y^j becomes
// c*n^(i+j-1) and every parameter is of order one.
type normalizer struct {
	order int
	n     float64
}

func (z normalizer) factors() []float64 {
	pw := poly.Powers(z.order)
	f := make([]float64, len(pw))
	for k, p := range pw {
		f[k] = math.Pow(z.n, float64(p[0]+p[1]-1))
	}
	return f
}

func (z normalizer) params(w poly.CoordinateWarp) []float64 {
	f := z.factors()
	p := w.Params()
	for k := range p {
		p[k] *= f[k%len(f)]
	}
	return p
}

func (z normalizer) warp(p []float64) poly.CoordinateWarp {
	f := z.factors()
	c := make([]float64, len(p))
	for k := range p {
		c[k] = p[k] / f[k%len(f)]
	}
	w, _ := poly.WarpFromParams(c, z.order)
	return w
}
