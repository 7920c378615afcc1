package alignment

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"nres-tracer/internal/errs"
	"nres-tracer/pkg/geometry"
)

const (
	// DetectorSize bounds pairwise distances and normalizes warp terms.
	DetectorSize = 4096

	logDistanceBin = 2e-4
	angleBins      = 628 // ~0.005 rad over [0, pi)
)

// logDistanceLimit is log(sqrt(2)*4096), the longest possible pair. The
// histogram covers [-limit, limit] so sub-pixel catalogs still fit.
var logDistanceLimit = math.Log(math.Sqrt2 * DetectorSize)

func pairLogDistances(pts []geometry.Point2D) []float64 {
	out := make([]float64, 0, len(pts)*(len(pts)-1)/2)
	for i := range pts {
		for j := i + 1; j < len(pts); j++ {
			if d := pts[i].Distance(pts[j]); d > 0 {
				out = append(out, math.Log(d))
			}
		}
	}
	return out
}

func pairAngles(pts []geometry.Point2D) []float64 {
	out := make([]float64, 0, len(pts)*(len(pts)-1)/2)
	for i := range pts {
		for j := i + 1; j < len(pts); j++ {
			if pts[i] == pts[j] {
				continue
			}
			out = append(out, pts[i].Angle(pts[j]))
		}
	}
	return out
}

// histogram counts vals into n bins of the given width starting at lo.
// Values outside the range are dropped.
func histogram(vals []float64, lo, width float64, n int) ([]float64, int) {
	h := make([]float64, n)
	used := 0
	for _, v := range vals {
		k := int(math.Floor((v - lo) / width))
		if k < 0 || k >= n {
			continue
		}
		h[k]++
		used++
	}
	return h, used
}

// correlate returns c[k] = sum_m a[m+k] b[m] computed circularly over size
// samples; a and b are zero padded to size.
func correlate(a, b []float64, size int) []float64 {
	pa := make([]float64, size)
	pb := make([]float64, size)
	copy(pa, a)
	copy(pb, b)

	fft := fourier.NewFFT(size)
	fa := fft.Coefficients(nil, pa)
	fb := fft.Coefficients(nil, pb)
	for i := range fa {
		fa[i] *= cmplx.Conj(fb[i])
	}
	c := fft.Sequence(nil, fa)
	for i := range c {
		c[i] /= float64(size)
	}
	return c
}

// peakLag returns the signed lag of the correlation maximum, refined by the
// centroid of the peak and its two neighbours.
func peakLag(c []float64) float64 {
	n := len(c)
	best := 0
	for i, v := range c {
		if v > c[best] {
			best = i
		}
	}
	lo, hi := c[(best-1+n)%n], c[(best+1)%n]
	lag := float64(best)
	if best > n/2 {
		lag -= float64(n)
	}
	if den := lo + c[best] + hi; den > 0 {
		lag += (hi - lo) / den
	}
	return lag
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// EstimateScale returns s such that input distances are s times reference
// distances, from the cross-correlation of the log pair-distance histograms.
func EstimateScale(input, reference Catalog) (float64, error) {
	if err := input.check("input"); err != nil {
		return 0, err
	}
	if err := reference.check("reference"); err != nil {
		return 0, err
	}

	n := int(math.Ceil(2 * logDistanceLimit / logDistanceBin))
	hin, nin := histogram(pairLogDistances(input.Points()), -logDistanceLimit, logDistanceBin, n)
	href, nref := histogram(pairLogDistances(reference.Points()), -logDistanceLimit, logDistanceBin, n)
	if nin == 0 || nref == 0 {
		return 0, fmt.Errorf("scale: no usable pair distances: %w", errs.ErrInvalidInput)
	}

	lag := peakLag(correlate(hin, href, nextPow2(2*n)))
	return math.Exp(lag * logDistanceBin), nil
}

// EstimateRotation returns the angle in (-pi/2, pi/2] by which input pair
// orientations are rotated from the reference, from the circular
// cross-correlation of pair-angle histograms over [0, pi).
func EstimateRotation(input, reference Catalog) (float64, error) {
	if err := input.check("input"); err != nil {
		return 0, err
	}
	if err := reference.check("reference"); err != nil {
		return 0, err
	}

	width := math.Pi / angleBins
	hin, nin := histogram(pairAngles(input.Points()), 0, width, angleBins)
	href, nref := histogram(pairAngles(reference.Points()), 0, width, angleBins)
	if nin == 0 || nref == 0 {
		return 0, fmt.Errorf("rotation: no usable pair angles: %w", errs.ErrInvalidInput)
	}

	return peakLag(correlate(hin, href, angleBins)) * width, nil
}
