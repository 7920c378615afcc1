// Package qa renders quality-assurance products for a trace run: the
// first-order fit, per-order residuals and a trace overlay on the frame.
package qa

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"nres-tracer/internal/errs"
	"nres-tracer/internal/trace"
)

var (
	blueFiber = color.RGBA{R: 30, G: 80, B: 220, A: 255}
	redFiber  = color.RGBA{R: 210, G: 40, B: 40, A: 255}
)

// centroidXY returns the defined centroids of ft sampled every stride
// columns.
func centroidXY(ft trace.FiberTrace, stride int) plotter.XYs {
	var xy plotter.XYs
	for x := 0; x < len(ft.Centroids); x += stride {
		if c := ft.Centroids[x]; !math.IsNaN(c) {
			xy = append(xy, plotter.XY{X: float64(x), Y: c})
		}
	}
	return xy
}

func scatter(xy plotter.XYs, c color.Color, radius vg.Length) (*plotter.Scatter, error) {
	s, err := plotter.NewScatter(xy)
	if err != nil {
		return nil, err
	}
	s.GlyphStyle.Color = c
	s.GlyphStyle.Radius = radius
	s.GlyphStyle.Shape = draw.CircleGlyph{}
	return s, nil
}

// FirstOrderPlot draws the centroids of the bluest order with its two
// fitted polynomials.
func FirstOrderPlot(tf *trace.TraceFile) (*plot.Plot, error) {
	if tf == nil || tf.Len() == 0 {
		return nil, fmt.Errorf("first order plot: no orders: %w", errs.ErrInvalidInput)
	}
	o := tf.Bluest()
	stride := max(tf.Every, 1)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: first order", tf.ImageName)
	p.X.Label.Text = "column (px)"
	p.Y.Label.Text = "row (px)"

	for _, fiber := range []struct {
		name string
		ft   trace.FiberTrace
		fit  func(float64) float64
		c    color.RGBA
	}{
		{"blue fiber", o.Blue, o.BluePoly.Eval, blueFiber},
		{"red fiber", o.Red, o.RedPoly.Eval, redFiber},
	} {
		s, err := scatter(centroidXY(fiber.ft, stride), fiber.c, vg.Points(2))
		if err != nil {
			return nil, fmt.Errorf("first order plot: %w", err)
		}
		curve := plotter.NewFunction(fiber.fit)
		curve.Color = fiber.c
		curve.Width = vg.Points(1)
		curve.Samples = 200
		p.Add(s, curve)
		p.Legend.Add(fiber.name, s, curve)
	}
	p.X.Min, p.X.Max = 0, float64(tf.Width)
	return p, nil
}

// ResidualPlot draws centroid minus fit for every order and fiber.
func ResidualPlot(tf *trace.TraceFile) (*plot.Plot, error) {
	if tf == nil || tf.Len() == 0 {
		return nil, fmt.Errorf("residual plot: no orders: %w", errs.ErrInvalidInput)
	}
	stride := max(tf.Every, 1)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: fit residuals, %d orders", tf.ImageName, tf.Len())
	p.X.Label.Text = "column (px)"
	p.Y.Label.Text = "centroid - fit (px)"

	var blue, red plotter.XYs
	for _, o := range tf.Orders() {
		blue = append(blue, residuals(o.Blue, o.BluePoly.Eval, stride)...)
		red = append(red, residuals(o.Red, o.RedPoly.Eval, stride)...)
	}
	for _, set := range []struct {
		name string
		xy   plotter.XYs
		c    color.RGBA
	}{
		{"blue fibers", blue, blueFiber},
		{"red fibers", red, redFiber},
	} {
		if len(set.xy) == 0 {
			continue
		}
		s, err := scatter(set.xy, set.c, vg.Points(1))
		if err != nil {
			return nil, fmt.Errorf("residual plot: %w", err)
		}
		p.Add(s)
		p.Legend.Add(set.name, s)
	}
	zero := plotter.NewFunction(func(float64) float64 { return 0 })
	zero.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(zero)
	return p, nil
}

func residuals(ft trace.FiberTrace, fit func(float64) float64, stride int) plotter.XYs {
	xy := centroidXY(ft, stride)
	for i := range xy {
		xy[i].Y -= fit(xy[i].X)
	}
	return xy
}

// SavePlot writes p as an image; the format follows the file extension.
func SavePlot(p *plot.Plot, path string) error {
	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
