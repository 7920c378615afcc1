// Package trace locates echelle orders and fibers on a flat-field frame.
package trace

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/logging"
	"nres-tracer/internal/metrics"
	"nres-tracer/internal/poly"
	"nres-tracer/internal/smooth"
)

// Params configures a blind trace of a flat-field frame. Rows increase
// toward the blue end of the chip.
type Params struct {
	NOrders           int     // stop after this many orders
	ReferenceRow      int     // center of the blind search slice
	ReferenceColumn   int     // column every order crosses
	BlindSearchLength int     // length of the blind search slice
	GuessPercentile   float64 // intensity percentile used as the first seed
	Degree            int     // polynomial degree of each fiber fit
	Every             int     // column stride of the ASCII output

	BlindSmooth      int     // median kernel for the blind slice
	NeighborSmooth   int     // median kernel for neighbor-fiber candidates
	SeparationSmooth int     // median kernel for the order-separation scan
	NeighborLength   int     // rows in each neighbor candidate window
	SeparationSearch int     // rows scanned for the next order
	SeparationRatio  float64 // fraction of the red peak that marks the next order
	PeakColumns      int     // columns in the red peak chunk

	Follow FollowParams
}

// DefaultParams returns the NRES defaults for a 4096x4096 detector.
func DefaultParams() Params {
	return Params{
		NOrders:           67,
		ReferenceRow:      3500,
		ReferenceColumn:   2000,
		BlindSearchLength: 300,
		GuessPercentile:   90,
		Degree:            4,
		Every:             16,
		BlindSmooth:       7,
		NeighborSmooth:    7,
		SeparationSmooth:  5,
		NeighborLength:    20,
		SeparationSearch:  100,
		SeparationRatio:   0.3,
		PeakColumns:       20,
		Follow:            DefaultFollowParams(),
	}
}

// Validate checks every parameter that can be checked without a frame.
func (p Params) Validate() error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{p.NOrders >= 1, fmt.Sprintf("n_orders %d < 1", p.NOrders)},
		{p.BlindSearchLength >= 2, fmt.Sprintf("blind search length %d < 2", p.BlindSearchLength)},
		{p.GuessPercentile >= 0 && p.GuessPercentile <= 100, fmt.Sprintf("guess percentile %g outside [0, 100]", p.GuessPercentile)},
		{p.Degree >= 0, fmt.Sprintf("degree %d < 0", p.Degree)},
		{p.Every >= 1, fmt.Sprintf("every %d < 1", p.Every)},
		{p.NeighborLength >= 1, fmt.Sprintf("neighbor length %d < 1", p.NeighborLength)},
		{p.SeparationSearch >= 3, fmt.Sprintf("separation search %d < 3", p.SeparationSearch)},
		{p.SeparationRatio > 0, fmt.Sprintf("separation ratio %g <= 0", p.SeparationRatio)},
		{p.PeakColumns >= 1, fmt.Sprintf("peak columns %d < 1", p.PeakColumns)},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("%s: %w", c.msg, errs.ErrInvalidInput)
		}
	}
	for _, k := range []int{p.BlindSmooth, p.NeighborSmooth, p.SeparationSmooth} {
		if k > 1 {
			if err := smooth.CheckKernel(k); err != nil {
				return err
			}
		}
	}
	return p.Follow.Validate()
}

// Tracer finds every order and fiber on a flat.
type Tracer struct {
	params Params
	logger *zap.Logger
}

// NewTracer validates params and returns a tracer. Even smoothing kernels
// are bumped to the next odd size with a warning.
func NewTracer(params Params, logger *zap.Logger) (*Tracer, error) {
	logger = logging.OrNop(logger)
	params.BlindSmooth = oddKernel(params.BlindSmooth, "blind_smooth", logger)
	params.NeighborSmooth = oddKernel(params.NeighborSmooth, "neighbor_smooth", logger)
	params.SeparationSmooth = oddKernel(params.SeparationSmooth, "separation_smooth", logger)
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Tracer{params: params, logger: logger}, nil
}

func oddKernel(k int, name string, logger *zap.Logger) int {
	if k > 0 && k%2 == 0 {
		logger.Warn("median kernel must be odd, increasing it",
			zap.String("kernel", name), zap.Int("from", k), zap.Int("to", k+1))
		return k + 1
	}
	return k
}

// Params returns the effective parameters.
func (t *Tracer) Params() Params { return t.params }

// Run traces frame. A TraceFile with at least the seed order is returned
// unless the seed itself cannot be found, which is the only fatal search
// failure.
func (t *Tracer) Run(frame *nresimage.Frame) (*TraceFile, error) {
	p := t.params
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 || len(frame.Pix) != frame.Width*frame.Height {
		return nil, fmt.Errorf("trace: malformed frame: %w", errs.ErrInvalidInput)
	}
	if p.ReferenceColumn < 0 || p.ReferenceColumn >= frame.Width {
		return nil, fmt.Errorf("trace: reference column %d outside [0, %d): %w", p.ReferenceColumn, frame.Width, errs.ErrInvalidInput)
	}
	if p.ReferenceRow < 0 || p.ReferenceRow >= frame.Height {
		return nil, fmt.Errorf("trace: reference row %d outside [0, %d): %w", p.ReferenceRow, frame.Height, errs.ErrInvalidInput)
	}

	logger := t.logger.With(zap.String("image", frame.Name()))
	first, err := t.bootstrap(frame, logger)
	if err != nil {
		return nil, fmt.Errorf("trace: bootstrap seed: %w: %w", errs.ErrSearchExhausted, err)
	}

	tf := NewTraceFile(frame.Name(), frame.ObsDate(), frame.Fibers(), p.Every, frame.Width)
	tf.AppendRed(first)
	logger.Info("seed order traced",
		zap.Float64("blue_row", first.BluePoly.Eval(float64(p.ReferenceColumn))),
		zap.Float64("red_row", first.RedPoly.Eval(float64(p.ReferenceColumn))))

	sep, err := t.initialOrderSeparation(frame, first)
	if err != nil {
		logger.Warn("could not measure order separation, returning seed order only", zap.Error(err))
		metrics.OrdersFound.Set(1)
		return tf, nil
	}
	logger.Debug("initial order separation", zap.Int("rows", sep))

	t.searchOrders(frame, tf, sep, logger)
	metrics.OrdersFound.Set(float64(tf.Len()))
	logger.Info("trace complete", zap.Int("orders", tf.Len()))
	return tf, nil
}

// traceFiber follows a fiber through the reference column and fits it.
func (t *Tracer) traceFiber(frame *nresimage.Frame, row float64) (FiberTrace, *poly.Polynomial, error) {
	ft, err := Follow(frame, t.params.ReferenceColumn, row, t.params.Follow, t.logger)
	if err != nil {
		return FiberTrace{}, nil, err
	}
	p, err := ft.Fit(t.params.Degree)
	if err != nil {
		return FiberTrace{}, nil, err
	}
	return ft, p, nil
}

func (t *Tracer) bootstrap(frame *nresimage.Frame, logger *zap.Logger) (Order, error) {
	p := t.params
	col := p.ReferenceColumn
	h := p.Follow.HalfWidth

	blind, err := ExtractSlice(frame, col, Centered(float64(p.ReferenceRow), p.BlindSearchLength/2),
		SliceOptions{Smooth: p.BlindSmooth, RemoveBackground: true})
	if err != nil {
		return Order{}, fmt.Errorf("blind slice: %w", err)
	}
	guess := percentileRow(blind, p.GuessPercentile)

	seed, _, err := refine(frame, col, guess, h)
	if err != nil {
		return Order{}, fmt.Errorf("first centroid: %w", err)
	}
	initial, initialPoly, err := t.traceFiber(frame, seed)
	if err != nil {
		return Order{}, fmt.Errorf("first fiber: %w", err)
	}

	center := initial.Centroids[col]
	if math.IsNaN(center) {
		center = initialPoly.Eval(float64(col))
	}
	candidate, err := t.neighborCandidate(frame, center, logger)
	if err != nil {
		return Order{}, fmt.Errorf("neighbor fiber: %w", err)
	}
	nseed, _, err := refine(frame, col, percentileRow(candidate, p.GuessPercentile), h)
	if err != nil {
		return Order{}, fmt.Errorf("neighbor centroid: %w", err)
	}
	neighbor, neighborPoly, err := t.traceFiber(frame, nseed)
	if err != nil {
		return Order{}, fmt.Errorf("neighbor fiber: %w", err)
	}

	x := float64(col)
	if math.Round(math.Abs(neighborPoly.Eval(x)-initialPoly.Eval(x))) < 1 {
		return Order{}, fmt.Errorf("neighbor fiber coincides with the first fiber: %w", errs.ErrSearchExhausted)
	}
	if neighborPoly.Eval(x) > initialPoly.Eval(x) {
		return Order{Blue: neighbor, BluePoly: neighborPoly, Red: initial, RedPoly: initialPoly}, nil
	}
	return Order{Blue: initial, BluePoly: initialPoly, Red: neighbor, RedPoly: neighborPoly}, nil
}

// neighborCandidate compares the background-subtracted flux in windows
// above and below the first fiber and returns the brighter one. Equal flux
// picks the upper window.
func (t *Tracer) neighborCandidate(frame *nresimage.Frame, center float64, logger *zap.Logger) (Slice, error) {
	p := t.params
	off := float64(p.Follow.HalfWidth + 2)
	length := float64(p.NeighborLength)
	opts := SliceOptions{Smooth: p.NeighborSmooth, RemoveBackground: true}

	upper, errUp := ExtractSlice(frame, p.ReferenceColumn, Bounded(center+off, center+off+length), opts)
	lower, errLo := ExtractSlice(frame, p.ReferenceColumn, Bounded(center-off-length, center-off), opts)
	switch {
	case errUp != nil && errLo != nil:
		return Slice{}, fmt.Errorf("both candidate windows unusable: %w", errUp)
	case errUp != nil:
		return lower, nil
	case errLo != nil:
		return upper, nil
	}

	fluxUp, fluxLo := upper.Total(), lower.Total()
	if ambiguous(fluxUp, fluxLo) {
		metrics.AmbiguousMatches.Inc()
		logger.Warn("neighbor fiber candidates have comparable flux",
			zap.Float64("flux_upper", fluxUp), zap.Float64("flux_lower", fluxLo))
	}
	if fluxUp >= fluxLo {
		return upper, nil
	}
	return lower, nil
}

// ambiguous reports whether neither candidate is clearly the neighbor: at
// least one flux must be positive and exactly one must exceed twice the
// other.
func ambiguous(a, b float64) bool {
	if !(a > 0 || b > 0) {
		return true
	}
	return (a > 2*b) == (b > 2*a)
}

// percentileRow returns the row holding the given intensity percentile.
func percentileRow(s Slice, pct float64) float64 {
	vals := make([]float64, len(s.Values))
	copy(vals, s.Values)
	inds := make([]int, len(vals))
	floats.Argsort(vals, inds)
	k := int(float64(len(vals)) * pct / 100)
	k = min(k, len(vals)-1)
	return float64(s.Rows[inds[k]])
}

// peakFlux is the 5x5 median-smoothed peak of a chunk of PeakColumns
// columns following fiber, after subtracting the chunk minimum. Slices are
// not background-subtracted one by one.
func (t *Tracer) peakFlux(frame *nresimage.Frame, fiber *poly.Polynomial) (float64, error) {
	p := t.params
	h := p.Follow.HalfWidth
	cols := 2*h + 1
	chunk := make([]float64, 0, p.PeakColumns*cols)
	for i := 0; i < p.PeakColumns; i++ {
		col := p.ReferenceColumn + i
		s, err := ExtractSlice(frame, col, Centered(fiber.Eval(float64(col)), h), SliceOptions{})
		if err != nil {
			return 0, fmt.Errorf("peak chunk: %w", err)
		}
		chunk = append(chunk, s.Values...)
	}
	floats.AddConst(-floats.Min(chunk), chunk)
	smoothed, err := smooth.Median2D(chunk, p.PeakColumns, cols, 5)
	if err != nil {
		return 0, err
	}
	return floats.Max(smoothed), nil
}

// initialOrderSeparation measures the gap from the seed order's blue fiber
// to the red fiber of the next order blueward.
func (t *Tracer) initialOrderSeparation(frame *nresimage.Frame, first Order) (int, error) {
	p := t.params
	h := p.Follow.HalfWidth
	col := p.ReferenceColumn

	redPeak, err := t.peakFlux(frame, first.RedPoly)
	if err != nil {
		return 0, err
	}
	blueRow := first.BluePoly.Eval(float64(col))
	lower := blueRow + float64(2+h)
	s, err := ExtractSlice(frame, col, Bounded(lower, lower+float64(p.SeparationSearch)),
		SliceOptions{Smooth: p.SeparationSmooth, RemoveBackground: true})
	if err != nil {
		return 0, fmt.Errorf("separation scan: %w", err)
	}

	threshold := redPeak * p.SeparationRatio
	recent := make([]float64, 3)
	i := 0
	for stat.Mean(recent, nil) < threshold {
		if i >= len(s.Values) {
			return 0, fmt.Errorf("no order within %d rows above the seed: %w", p.SeparationSearch, errs.ErrSearchExhausted)
		}
		recent[i%len(recent)] = s.Values[i]
		i++
	}
	if i >= len(s.Rows) {
		return 0, fmt.Errorf("next order at the end of the scan: %w", errs.ErrSearchExhausted)
	}

	c, _, err := refine(frame, col, float64(s.Rows[i]), h)
	if err != nil {
		return 0, fmt.Errorf("next order centroid: %w", err)
	}
	sep := int(math.Round(c - blueRow))
	if sep <= 0 {
		return 0, fmt.Errorf("order separation %d must be positive: %w", sep, errs.ErrSearchExhausted)
	}
	return sep, nil
}

// search is the per-direction state of the order walk.
type search struct {
	name     string  // blue or red
	sign     float64 // +1 toward larger rows
	orderSep int     // rows from the previous order's outer fiber to the next order
	done     bool
}

func (t *Tracer) searchOrders(frame *nresimage.Frame, tf *TraceFile, sep int, logger *zap.Logger) {
	dirs := []*search{
		{name: "blue", sign: 1, orderSep: sep},
		{name: "red", sign: -1, orderSep: sep},
	}
	for tf.Len() < t.params.NOrders {
		active := false
		for _, s := range dirs {
			if s.done || tf.Len() >= t.params.NOrders {
				continue
			}
			active = true
			if err := t.nextOrder(frame, tf, s); err != nil {
				s.done = true
				metrics.SearchExhausted.WithLabelValues(s.name).Inc()
				// Only this direction halts; the other keeps searching.
				logger.Warn("search direction exhausted",
					zap.String("direction", s.name), zap.Int("orders", tf.Len()), zap.Error(err))
			}
		}
		if !active {
			return
		}
	}
}

// nextOrder finds the order beyond the current end of tf in direction s:
// the nearest fiber at the order separation, then its partner at the
// previous order's fiber separation.
func (t *Tracer) nextOrder(frame *nresimage.Frame, tf *TraceFile, s *search) error {
	x := float64(t.params.ReferenceColumn)

	var prevOrder Order
	var prev *poly.Polynomial
	if s.sign > 0 {
		prevOrder = tf.Bluest()
		prev = prevOrder.BluePoly
	} else {
		prevOrder = tf.Reddest()
		prev = prevOrder.RedPoly
	}
	fiberSep := math.Abs(prevOrder.BluePoly.Eval(x) - prevOrder.RedPoly.Eval(x))
	if fiberSep < 1 {
		return fmt.Errorf("fiber separation %.2f must be positive: %w", fiberSep, errs.ErrInvalidInput)
	}

	near, nearPoly, err := t.nextFiber(frame, prev, s.sign, float64(s.orderSep))
	if err != nil {
		return fmt.Errorf("%s order, near fiber: %w", s.name, err)
	}
	far, farPoly, err := t.nextFiber(frame, nearPoly, s.sign, fiberSep)
	if err != nil {
		return fmt.Errorf("%s order, far fiber: %w", s.name, err)
	}

	newSep := int(math.Round(s.sign * (nearPoly.Eval(x) - prev.Eval(x))))
	if newSep <= 0 {
		return fmt.Errorf("order separation %d must be positive: %w", newSep, errs.ErrSearchExhausted)
	}
	if math.Round(s.sign*(farPoly.Eval(x)-nearPoly.Eval(x))) <= 0 {
		return fmt.Errorf("partner fiber did not move %s: %w", s.name, errs.ErrSearchExhausted)
	}

	if s.sign > 0 {
		tf.PrependBlue(Order{Red: near, RedPoly: nearPoly, Blue: far, BluePoly: farPoly})
	} else {
		tf.AppendRed(Order{Blue: near, BluePoly: nearPoly, Red: far, RedPoly: farPoly})
	}
	s.orderSep = newSep
	t.logger.Debug("order found",
		zap.String("direction", s.name),
		zap.Int("orders", tf.Len()),
		zap.Int("order_separation", newSep),
		zap.Float64("fiber_separation", fiberSep))
	return nil
}

func (t *Tracer) nextFiber(frame *nresimage.Frame, ref *poly.Polynomial, sign, sep float64) (FiberTrace, *poly.Polynomial, error) {
	col := t.params.ReferenceColumn
	guess := ref.Eval(float64(col)) + sign*sep
	c, _, err := refine(frame, col, guess, t.params.Follow.HalfWidth)
	if err != nil {
		return FiberTrace{}, nil, err
	}
	return t.traceFiber(frame, c)
}
