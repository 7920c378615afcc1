// Package poly fits and evaluates the polynomials used by the tracer:
// 1-D row(column) curves for each fiber, and 2-D coordinate warps for
// registering one detector frame onto another.
package poly

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"nres-tracer/internal/errs"
)

// Polynomial is a 1-D least-squares polynomial y(x). Coefficients apply to the
// normalized abscissa t = (x - Center) / Scale, lowest power first.
type Polynomial struct {
	Coeffs []float64
	Center float64
	Scale  float64
}

// Degree returns the polynomial degree.
func (p *Polynomial) Degree() int {
	return len(p.Coeffs) - 1
}

// Eval evaluates the polynomial at x.
func (p *Polynomial) Eval(x float64) float64 {
	t := (x - p.Center) / p.Scale
	v := 0.0
	for k := len(p.Coeffs) - 1; k >= 0; k-- {
		v = v*t + p.Coeffs[k]
	}
	return v
}

// RMS returns the root-mean-square residual of the polynomial against the
// defined (non-NaN) points.
func (p *Polynomial) RMS(x, y []float64) float64 {
	var sum float64
	n := 0
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		r := y[i] - p.Eval(x[i])
		sum += r * r
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return math.Sqrt(sum / float64(n))
}

// Fit computes the least-squares polynomial of the given degree through the
// defined (x, y) pairs. Pairs where either value is NaN are skipped.
// A fit with fewer than degree+1 points, or a singular system, returns
// errs.ErrFitFailed.
func Fit(x, y []float64, degree int) (*Polynomial, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("poly: %d abscissae vs %d ordinates: %w", len(x), len(y), errs.ErrInvalidInput)
	}
	if degree < 0 {
		return nil, fmt.Errorf("poly: negative degree %d: %w", degree, errs.ErrInvalidInput)
	}

	xs := make([]float64, 0, len(x))
	ys := make([]float64, 0, len(y))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		xs = append(xs, x[i])
		ys = append(ys, y[i])
		lo = math.Min(lo, x[i])
		hi = math.Max(hi, x[i])
	}
	n := len(xs)
	if n < degree+1 {
		return nil, fmt.Errorf("poly: %d points for degree %d: %w", n, degree, errs.ErrFitFailed)
	}

	center := (lo + hi) / 2
	scale := (hi - lo) / 2
	if scale == 0 {
		scale = 1
	}

	A := mat.NewDense(n, degree+1, nil)
	b := mat.NewVecDense(n, ys)
	for i, xv := range xs {
		t := (xv - center) / scale
		pw := 1.0
		for k := 0; k <= degree; k++ {
			A.Set(i, k, pw)
			pw *= t
		}
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, b); err != nil {
		return nil, fmt.Errorf("poly: degree %d over %d points: %v: %w", degree, n, err, errs.ErrFitFailed)
	}

	coeffs := make([]float64, degree+1)
	for k := range coeffs {
		coeffs[k] = params.AtVec(k)
		if math.IsNaN(coeffs[k]) || math.IsInf(coeffs[k], 0) {
			return nil, fmt.Errorf("poly: non-finite coefficient: %w", errs.ErrFitFailed)
		}
	}
	return &Polynomial{Coeffs: coeffs, Center: center, Scale: scale}, nil
}
