package qa

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/poly"
	"nres-tracer/internal/trace"
)

func fiber(t *testing.T, width int, row func(float64) float64) (trace.FiberTrace, *poly.Polynomial) {
	t.Helper()
	ft := trace.NewFiberTrace(width)
	for x := 10; x < width-10; x++ {
		ft.Centroids[x] = row(float64(x))
		ft.Flux[x] = 100
	}
	p, err := ft.Fit(2)
	require.NoError(t, err)
	return ft, p
}

func testTrace(t *testing.T) (*nresimage.Frame, *trace.TraceFile) {
	t.Helper()
	const width, height = 256, 128
	f := nresimage.NewFrame(width, height)
	for i := range f.Pix {
		f.Pix[i] = float64(i % 97)
	}
	f.Header = &nresimage.Header{Filename: "/data/flat01.fits", Cards: map[string]string{}}

	tf := trace.NewTraceFile(f.Name(), f.ObsDate(), []string{"0", "1"}, 16, width)
	for k := 0; k < 3; k++ {
		base := 30 + 35*float64(k)
		var o trace.Order
		o.Blue, o.BluePoly = fiber(t, width, func(x float64) float64 { return base + 8 + 1e-4*x*x })
		o.Red, o.RedPoly = fiber(t, width, func(x float64) float64 { return base + 1e-4*x*x })
		tf.AppendRed(o)
	}
	return f, tf
}

func TestPlots(t *testing.T) {
	_, tf := testTrace(t)

	p, err := FirstOrderPlot(tf)
	require.NoError(t, err)
	assert.Contains(t, p.Title.Text, "flat01.fits")

	p, err = ResidualPlot(tf)
	require.NoError(t, err)
	assert.Contains(t, p.Title.Text, "3 orders")

	path := filepath.Join(t.TempDir(), "residuals.png")
	require.NoError(t, SavePlot(p, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestPlotsRejectEmptyTrace(t *testing.T) {
	empty := trace.NewTraceFile("x", "y", nil, 16, 10)
	_, err := FirstOrderPlot(empty)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = ResidualPlot(nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestOverlay(t *testing.T) {
	f, tf := testTrace(t)
	data, err := Overlay(f, tf.Orders(), trace.DefaultRegionSampling)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, f.Width, img.Bounds().Dx())
	assert.Equal(t, f.Height, img.Bounds().Dy())

	_, err = Overlay(f, tf.Orders(), 0)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = Overlay(nil, nil, 20)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestWrite(t *testing.T) {
	f, tf := testTrace(t)
	dir := filepath.Join(t.TempDir(), "qa")
	files, err := Write(dir, f, tf)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "flat01_first_order.png"),
		filepath.Join(dir, "flat01_residuals.png"),
		filepath.Join(dir, "flat01_overlay.png"),
	}, files)
	for _, p := range files {
		assert.FileExists(t, p)
	}
}
