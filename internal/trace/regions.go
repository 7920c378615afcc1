package trace

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"nres-tracer/internal/errs"
	"nres-tracer/internal/poly"
)

// DefaultRegionSampling is the column stride of DS9 overlay segments.
const DefaultRegionSampling = 20

const regionHeader = "# Region file format: DS9 version 4.1\nimage\n"

// regionWriter emits 1-indexed DS9 line segments.
type regionWriter struct {
	w   *bufio.Writer
	err error
}

func newRegionWriter(w io.Writer) *regionWriter {
	rw := &regionWriter{w: bufio.NewWriter(w)}
	_, rw.err = rw.w.WriteString(regionHeader)
	return rw
}

// polyline joins consecutive defined points. A NaN row breaks the line.
func (rw *regionWriter) polyline(xs, ys []float64) {
	for i := 1; i < len(xs) && rw.err == nil; i++ {
		if math.IsNaN(ys[i-1]) || math.IsNaN(ys[i]) {
			continue
		}
		_, rw.err = fmt.Fprintf(rw.w, "line(%.3f %.3f %.3f %.3f)\n",
			xs[i-1]+1, ys[i-1]+1, xs[i]+1, ys[i]+1)
	}
}

func (rw *regionWriter) flush() error {
	if rw.err != nil {
		return rw.err
	}
	return rw.w.Flush()
}

func checkSampling(sampling int) error {
	if sampling < 1 {
		return fmt.Errorf("region sampling %d < 1: %w", sampling, errs.ErrInvalidInput)
	}
	return nil
}

// WriteRegions draws the measured centroids of every fiber, sampled every
// sampling columns.
func WriteRegions(w io.Writer, orders []Order, sampling int) error {
	if err := checkSampling(sampling); err != nil {
		return err
	}
	rw := newRegionWriter(w)
	for _, o := range orders {
		for _, ft := range []FiberTrace{o.Blue, o.Red} {
			var xs, ys []float64
			for x := 0; x < len(ft.Centroids); x += sampling {
				xs = append(xs, float64(x))
				ys = append(ys, ft.Centroids[x])
			}
			rw.polyline(xs, ys)
		}
	}
	return rw.flush()
}

// WritePolynomialRegions draws every order's fitted polynomials across
// [0, width) sampled every sampling columns.
func WritePolynomialRegions(w io.Writer, orders []Order, width, sampling int) error {
	if err := checkSampling(sampling); err != nil {
		return err
	}
	rw := newRegionWriter(w)
	for _, o := range orders {
		for _, p := range []*poly.Polynomial{o.BluePoly, o.RedPoly} {
			var xs, ys []float64
			for x := 0; x < width; x += sampling {
				xs = append(xs, float64(x))
				ys = append(ys, p.Eval(float64(x)))
			}
			rw.polyline(xs, ys)
		}
	}
	return rw.flush()
}

// WriteTableRegions draws the rows of a parsed trace file.
func WriteTableRegions(w io.Writer, t Table) error {
	xs := make([]float64, len(t.Columns))
	for i, x := range t.Columns {
		xs[i] = float64(x)
	}
	rw := newRegionWriter(w)
	for _, o := range t.Orders {
		rw.polyline(xs, o.Blue)
		rw.polyline(xs, o.Red)
	}
	return rw.flush()
}
