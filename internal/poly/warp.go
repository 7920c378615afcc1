package poly

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"nres-tracer/internal/errs"
	"nres-tracer/pkg/geometry"
)

// NCoefficients returns the number of terms x^i*y^j with i+j <= order,
// which is (order+1)(order+2)/2.
func NCoefficients(order int) int {
	return (order + 1) * (order + 2) / 2
}

// Terms writes the warp basis at (x, y) into dst and returns it.
//
// The enumeration is fixed: the power of y is the outer loop and the power
// of x the inner loop, so order 2 gives 1, x, x^2, y, xy, y^2. EvaluateWarp
// and FitWarp both build their basis here; Powers lists the same order.
func Terms(dst []float64, x, y float64, order int) []float64 {
	n := NCoefficients(order)
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	for idx, pw := range powers(order) {
		dst[idx] = math.Pow(x, float64(pw[0])) * math.Pow(y, float64(pw[1]))
	}
	return dst
}

// Powers returns the (i, j) exponent pair for each coefficient index, in the
// same order as Terms.
func Powers(order int) [][2]int {
	return append([][2]int(nil), powers(order)...)
}

// maxCachedOrder bounds the enumerations kept in powerTable.
const maxCachedOrder = 8

var powerTable = func() [maxCachedOrder + 1][][2]int {
	var t [maxCachedOrder + 1][][2]int
	for order := range t {
		t[order] = enumerate(order)
	}
	return t
}()

func powers(order int) [][2]int {
	if order >= 0 && order <= maxCachedOrder {
		return powerTable[order]
	}
	return enumerate(order)
}

func enumerate(order int) [][2]int {
	out := make([][2]int, 0, NCoefficients(order))
	for j := 0; j <= order; j++ {
		for i := 0; i <= order-j; i++ {
			out = append(out, [2]int{i, j})
		}
	}
	return out
}

// EvaluateWarp evaluates sum c[idx] * x^i * y^j over the Terms basis.
func EvaluateWarp(x, y float64, coeffs []float64, order int) float64 {
	var buf [stackTerms]float64
	return floats.Dot(coeffs[:NCoefficients(order)], Terms(buf[:0], x, y, order))
}

// stackTerms covers the basis of a warp up to order 6.
const stackTerms = 28

// CoordinateWarp maps reference coordinates onto a new frame with one
// polynomial per output axis.
type CoordinateWarp struct {
	Order int       `json:"order"`
	X     []float64 `json:"x"`
	Y     []float64 `json:"y"`
}

// IdentityWarp returns the warp that leaves coordinates unchanged.
func IdentityWarp(order int) CoordinateWarp {
	if order < 1 {
		order = 1
	}
	w := CoordinateWarp{
		Order: order,
		X:     make([]float64, NCoefficients(order)),
		Y:     make([]float64, NCoefficients(order)),
	}
	// x is term 1; y opens the j=1 row at index order+1.
	w.X[1] = 1
	w.Y[order+1] = 1
	return w
}

// WarpFromAffine embeds an affine transform in a warp of the given order.
func WarpFromAffine(t geometry.AffineTransform, order int) CoordinateWarp {
	w := IdentityWarp(order)
	yIdx := w.Order + 1
	w.X[0], w.X[1], w.X[yIdx] = t.TX, t.A, t.B
	w.Y[0], w.Y[1], w.Y[yIdx] = t.TY, t.C, t.D
	return w
}

// WarpFromParams splits a flat parameter vector (x coefficients, then y
// coefficients) into a CoordinateWarp.
func WarpFromParams(params []float64, order int) (CoordinateWarp, error) {
	n := NCoefficients(order)
	if len(params) != 2*n {
		return CoordinateWarp{}, fmt.Errorf("warp: %d params for order %d, want %d: %w", len(params), order, 2*n, errs.ErrInvalidInput)
	}
	w := CoordinateWarp{Order: order, X: make([]float64, n), Y: make([]float64, n)}
	copy(w.X, params[:n])
	copy(w.Y, params[n:])
	return w, nil
}

// Params flattens the warp into x coefficients followed by y coefficients.
func (w CoordinateWarp) Params() []float64 {
	out := make([]float64, 0, len(w.X)+len(w.Y))
	out = append(out, w.X...)
	return append(out, w.Y...)
}

// Apply warps a single point.
func (w CoordinateWarp) Apply(p geometry.Point2D) geometry.Point2D {
	return geometry.Point2D{
		X: EvaluateWarp(p.X, p.Y, w.X, w.Order),
		Y: EvaluateWarp(p.X, p.Y, w.Y, w.Order),
	}
}

// ApplyAll warps every point in pts into a new slice.
func (w CoordinateWarp) ApplyAll(pts []geometry.Point2D) []geometry.Point2D {
	out := make([]geometry.Point2D, len(pts))
	for i, p := range pts {
		out[i] = w.Apply(p)
	}
	return out
}

// FitWarp solves for the warp of the given order that maps src onto dst in
// the least-squares sense. Coordinates are divided by the largest absolute
// source coordinate before the solve and the coefficients rescaled after.
func FitWarp(src, dst []geometry.Point2D, order int) (CoordinateWarp, error) {
	if len(src) != len(dst) {
		return CoordinateWarp{}, fmt.Errorf("warp fit: point count mismatch: %d vs %d: %w", len(src), len(dst), errs.ErrInvalidInput)
	}
	if order < 0 {
		return CoordinateWarp{}, fmt.Errorf("warp fit: negative order %d: %w", order, errs.ErrInvalidInput)
	}
	m := NCoefficients(order)
	n := len(src)
	if n < m {
		return CoordinateWarp{}, fmt.Errorf("warp fit: %d points for %d coefficients: %w", n, m, errs.ErrFitFailed)
	}

	norm := 0.0
	for _, p := range src {
		norm = math.Max(norm, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	if norm == 0 {
		norm = 1
	}

	A := mat.NewDense(n, m, nil)
	B := mat.NewDense(n, 2, nil)
	row := make([]float64, m)
	for k := 0; k < n; k++ {
		row = Terms(row, src[k].X/norm, src[k].Y/norm, order)
		A.SetRow(k, row)
		B.Set(k, 0, dst[k].X)
		B.Set(k, 1, dst[k].Y)
	}

	var qr mat.QR
	qr.Factorize(A)

	var sol mat.Dense
	if err := qr.SolveTo(&sol, false, B); err != nil {
		return CoordinateWarp{}, fmt.Errorf("warp fit: order %d over %d points: %v: %w", order, n, err, errs.ErrFitFailed)
	}

	w := CoordinateWarp{Order: order, X: make([]float64, m), Y: make([]float64, m)}
	for idx, pw := range powers(order) {
		s := math.Pow(norm, float64(pw[0]+pw[1]))
		w.X[idx] = sol.At(idx, 0) / s
		w.Y[idx] = sol.At(idx, 1) / s
	}
	return w, nil
}
