package trace

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/metrics"
	"nres-tracer/internal/poly"
)

// Direction is the column step of a follower.
type Direction int

const (
	Left  Direction = -1
	Right Direction = 1
)

func (d Direction) String() string {
	if d == Left {
		return "left"
	}
	return "right"
}

// State of a follower.
type State int

const (
	Walking State = iota
	Stopped
)

// StopReason explains why a follower stopped.
type StopReason string

const (
	StopNone   StopReason = ""
	StopEdge   StopReason = "edge"   // walked off the first or last column
	StopSNR    StopReason = "snr"    // rolling flux fell below snr_threshold^2
	StopNoFlux StopReason = "noflux" // slice had no positive flux
	StopBounds StopReason = "bounds" // slice window left the detector rows
)

// FollowParams controls a fiber walk.
type FollowParams struct {
	HalfWidth    int     // slice half-width in rows
	QueueLength  int     // rolling flux window length
	SNRThreshold float64 // walk continues while mean flux > SNRThreshold^2
	BaffleClip   int     // extra columns discarded after a non-edge stop
}

// DefaultFollowParams returns the standard NRES follower settings.
func DefaultFollowParams() FollowParams {
	return FollowParams{
		HalfWidth:    8,
		QueueLength:  20,
		SNRThreshold: 20,
		BaffleClip:   150,
	}
}

// Validate checks the follower settings.
func (p FollowParams) Validate() error {
	if p.HalfWidth < 1 {
		return fmt.Errorf("column halfwidth %d < 1: %w", p.HalfWidth, errs.ErrInvalidInput)
	}
	if p.QueueLength < 1 {
		return fmt.Errorf("queue length %d < 1: %w", p.QueueLength, errs.ErrInvalidInput)
	}
	if p.BaffleClip < 0 {
		return fmt.Errorf("baffle clip %d < 0: %w", p.BaffleClip, errs.ErrInvalidInput)
	}
	if p.SNRThreshold < 0 {
		return fmt.Errorf("snr threshold %g < 0: %w", p.SNRThreshold, errs.ErrInvalidInput)
	}
	return nil
}

// FiberTrace holds one centroid per detector column; NaN marks columns the
// walk did not reach or discarded.
type FiberTrace struct {
	Centroids []float64
	Flux      []float64
}

// NewFiberTrace returns an all-undefined trace for a detector width.
func NewFiberTrace(width int) FiberTrace {
	t := FiberTrace{Centroids: make([]float64, width), Flux: make([]float64, width)}
	for i := range t.Centroids {
		t.Centroids[i] = math.NaN()
		t.Flux[i] = math.NaN()
	}
	return t
}

// Defined returns the number of columns with a centroid.
func (t FiberTrace) Defined() int {
	n := 0
	for _, c := range t.Centroids {
		if !math.IsNaN(c) {
			n++
		}
	}
	return n
}

// Columns returns the column index array 0..width-1 as floats.
func (t FiberTrace) Columns() []float64 {
	cols := make([]float64, len(t.Centroids))
	for i := range cols {
		cols[i] = float64(i)
	}
	return cols
}

// Fit fits row(column) through the defined centroids.
func (t FiberTrace) Fit(degree int) (*poly.Polynomial, error) {
	return poly.Fit(t.Columns(), t.Centroids, degree)
}

func (t FiberTrace) clear(from, to int) {
	from = max(from, 0)
	to = min(to, len(t.Centroids))
	for i := from; i < to; i++ {
		t.Centroids[i] = math.NaN()
		t.Flux[i] = math.NaN()
	}
}

// Follower walks one fiber column by column in one direction.
type Follower struct {
	frame  *nresimage.Frame
	params FollowParams
	dir    Direction
	trace  FiberTrace

	column int
	row    float64
	state  State
	reason StopReason
	steps  int

	recent []float64
	head   int
}

// NewFollower starts a walk at (column, row) recording into trace.
func NewFollower(frame *nresimage.Frame, trace FiberTrace, column int, row float64, dir Direction, params FollowParams) *Follower {
	f := &Follower{
		frame:  frame,
		params: params,
		dir:    dir,
		trace:  trace,
		column: column,
		row:    row,
		recent: make([]float64, params.QueueLength),
	}
	for i := range f.recent {
		f.recent[i] = math.Inf(1)
	}
	return f
}

// State returns the current state.
func (f *Follower) State() State { return f.state }

// Reason returns why the walk stopped, or StopNone while walking.
func (f *Follower) Reason() StopReason { return f.reason }

// Column returns the next column to visit.
func (f *Follower) Column() int { return f.column }

// Row returns the last recorded centroid, or the seed row before any step.
func (f *Follower) Row() float64 { return f.row }

// Steps returns how many columns have been recorded.
func (f *Follower) Steps() int { return f.steps }

// Step visits one column. It returns false once the follower has stopped.
func (f *Follower) Step() bool {
	if f.state == Stopped {
		return false
	}
	if f.column < 0 || f.column >= f.frame.Width {
		f.stop(StopEdge)
		return false
	}
	if stat.Mean(f.recent, nil) <= f.params.SNRThreshold*f.params.SNRThreshold {
		f.stop(StopSNR)
		return false
	}

	c, s, err := refine(f.frame, f.column, f.row, f.params.HalfWidth)
	if err != nil {
		if errors.Is(err, errs.ErrOutOfBounds) {
			f.stop(StopBounds)
		} else {
			f.stop(StopNoFlux)
		}
		return false
	}

	flux := s.Total()
	f.trace.Centroids[f.column] = c
	f.trace.Flux[f.column] = flux
	f.recent[f.head] = flux
	f.head = (f.head + 1) % len(f.recent)
	f.row = c
	f.column += int(f.dir)
	f.steps++
	metrics.FollowerSteps.WithLabelValues(f.dir.String()).Inc()
	return true
}

// Run steps until the follower stops and returns the stop reason.
func (f *Follower) Run() StopReason {
	for f.Step() {
	}
	return f.reason
}

// stop ends the walk. Anything other than running off the chip edge means
// the signal faded, so the last QueueLength+BaffleClip recorded columns are
// discarded.
func (f *Follower) stop(reason StopReason) {
	f.state = Stopped
	f.reason = reason
	metrics.FollowerStops.WithLabelValues(string(reason)).Inc()
	if reason == StopEdge {
		return
	}
	n := f.params.QueueLength + f.params.BaffleClip
	if f.dir == Right {
		f.trace.clear(f.column-n, f.column)
	} else {
		f.trace.clear(f.column+1, f.column+1+n)
	}
}

// Follow walks a fiber left and then right from a seed and returns the
// combined trace. It fails with errs.ErrSearchExhausted when no column
// keeps a centroid.
func Follow(frame *nresimage.Frame, column int, row float64, params FollowParams, logger *zap.Logger) (FiberTrace, error) {
	if err := params.Validate(); err != nil {
		return FiberTrace{}, err
	}
	trace := NewFiberTrace(frame.Width)
	for _, dir := range []Direction{Left, Right} {
		f := NewFollower(frame, trace, column, row, dir, params)
		reason := f.Run()
		if logger != nil {
			logger.Debug("follower stopped",
				zap.String("direction", dir.String()),
				zap.String("reason", string(reason)),
				zap.Int("column", f.Column()),
				zap.Int("steps", f.Steps()))
		}
	}
	if trace.Defined() == 0 {
		return trace, fmt.Errorf("fiber at column %d row %.1f: %w", column, row, errs.ErrSearchExhausted)
	}
	return trace, nil
}
