package qa

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"sort"
	"strconv"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/trace"
)

// Display stretch limits, as quantiles of the frame.
const (
	stretchLow  = 0.01
	stretchHigh = 0.995
)

// Overlay renders f with a linear stretch and draws every order's fitted
// fibers on it, sampled every sampling columns. The result is PNG encoded.
func Overlay(f *nresimage.Frame, orders []trace.Order, sampling int) ([]byte, error) {
	if f == nil || f.Width == 0 || f.Height == 0 {
		return nil, fmt.Errorf("overlay: empty frame: %w", errs.ErrInvalidInput)
	}
	if sampling < 1 {
		return nil, fmt.Errorf("overlay sampling %d < 1: %w", sampling, errs.ErrInvalidInput)
	}

	gray := stretch(f)
	defer gray.Close()
	canvas := gocv.NewMat()
	defer canvas.Close()
	gocv.CvtColor(gray, &canvas, gocv.ColorGrayToBGR)

	thickness := max(1, f.Width/1024)
	for _, o := range orders {
		drawFiber(&canvas, o.BluePoly.Eval, f.Width, f.Height, sampling, blueFiber, thickness)
		drawFiber(&canvas, o.RedPoly.Eval, f.Width, f.Height, sampling, redFiber, thickness)
		label := image.Point{X: 4 * thickness, Y: int(math.Round(o.RedPoly.Eval(0))) - 4*thickness}
		gocv.PutText(&canvas, strconv.Itoa(o.Index), label,
			gocv.FontHersheySimplex, 0.4*float64(thickness), color.RGBA{G: 220, A: 255}, thickness)
	}

	buf, err := gocv.IMEncode(gocv.PNGFileExt, canvas)
	if err != nil {
		return nil, fmt.Errorf("failed to encode overlay: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// WriteOverlay renders the overlay of tf on f to path.
func WriteOverlay(path string, f *nresimage.Frame, tf *trace.TraceFile) error {
	data, err := Overlay(f, tf.Orders(), trace.DefaultRegionSampling)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write overlay: %w", err)
	}
	return nil
}

// stretch maps f onto 8-bit gray between its low and high quantiles.
func stretch(f *nresimage.Frame) gocv.Mat {
	sorted := make([]float64, 0, len(f.Pix))
	for _, v := range f.Pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			sorted = append(sorted, v)
		}
	}
	lo, hi := 0.0, 1.0
	if len(sorted) > 0 {
		sort.Float64s(sorted)
		lo = stat.Quantile(stretchLow, stat.Empirical, sorted, nil)
		hi = stat.Quantile(stretchHigh, stat.Empirical, sorted, nil)
	}
	if hi <= lo {
		hi = lo + 1
	}

	m := gocv.NewMatWithSize(f.Height, f.Width, gocv.MatTypeCV8U)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := (f.At(x, y) - lo) / (hi - lo)
			if math.IsNaN(v) {
				v = 0
			}
			m.SetUCharAt(y, x, uint8(math.Round(255*math.Max(0, math.Min(1, v)))))
		}
	}
	return m
}

// drawFiber draws row = fit(column) as a polyline. Segments leaving the
// detector are skipped.
func drawFiber(canvas *gocv.Mat, fit func(float64) float64, width, height, sampling int, c color.RGBA, thickness int) {
	var prev image.Point
	havePrev := false
	for x := 0; x < width; x += sampling {
		y := fit(float64(x))
		if math.IsNaN(y) || y < 0 || y >= float64(height) {
			havePrev = false
			continue
		}
		pt := image.Point{X: x, Y: int(math.Round(y))}
		if havePrev {
			gocv.Line(canvas, prev, pt, c, thickness)
		}
		prev, havePrev = pt, true
	}
}
