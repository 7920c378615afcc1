// Package detect finds point sources on a detector frame and measures them
// into an alignment catalog.
package detect

import (
	"fmt"
	"image"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"nres-tracer/internal/alignment"
	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/logging"
	"nres-tracer/internal/metrics"
)

// thetaLimit keeps position angles strictly inside (-pi/2, pi/2).
const thetaLimit = math.Pi/2 - 1e-5

// Options configures Detect.
type Options struct {
	Threshold      float64 // detection threshold in units of the per-pixel error
	BackgroundSize float64 // sigma of the background blur, px
	MinPixels      int     // sources with fewer significant pixels are dropped
	MaxSources     int     // keep the brightest n, 0 for all
	Logger         *zap.Logger
}

// DefaultOptions returns the settings used for arc and lamp frames.
func DefaultOptions() Options {
	return Options{
		Threshold:      50,
		BackgroundSize: 32,
		MinPixels:      4,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	switch {
	case o.Threshold <= 0:
		return fmt.Errorf("detect threshold %g <= 0: %w", o.Threshold, errs.ErrInvalidInput)
	case o.BackgroundSize <= 0:
		return fmt.Errorf("background size %g <= 0: %w", o.BackgroundSize, errs.ErrInvalidInput)
	case o.MinPixels < 1:
		return fmt.Errorf("min pixels %d < 1: %w", o.MinPixels, errs.ErrInvalidInput)
	case o.MaxSources < 0:
		return fmt.Errorf("max sources %d < 0: %w", o.MaxSources, errs.ErrInvalidInput)
	}
	return nil
}

// Detect returns the sources on f sorted by decreasing flux. The frame is
// bias subtracted using the median of its BIASSEC region, each pixel gets
// the error sqrt(|data| + RDNOISE), and pixels more than Threshold errors
// above a blurred background are grouped into sources by their contours.
func Detect(f *nresimage.Frame, opts Options) (alignment.Catalog, error) {
	start := time.Now()
	defer metrics.ObserveStage("detect", start)

	logger := logging.OrNop(opts.Logger)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if f == nil || f.Width == 0 || f.Height == 0 {
		return nil, fmt.Errorf("detect: empty frame: %w", errs.ErrInvalidInput)
	}

	data, err := subtractBias(f)
	if err != nil {
		return nil, err
	}
	readNoise := 0.0
	if f.Header != nil {
		readNoise = f.Header.ReadNoise
	}

	bkg, err := background(data, f.Width, f.Height, opts.BackgroundSize)
	if err != nil {
		return nil, err
	}

	residual := make([]float64, len(data))
	mask := gocv.NewMatWithSize(f.Height, f.Width, gocv.MatTypeCV8U)
	defer mask.Close()
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			i := y*f.Width + x
			residual[i] = data[i] - bkg[i]
			sigma := math.Sqrt(math.Abs(data[i]) + readNoise)
			if residual[i] > opts.Threshold*sigma {
				mask.SetUCharAt(y, x, 255)
			}
		}
	}

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	claimed := make([]bool, len(data))
	var cat alignment.Catalog
	dropped := 0
	for i := 0; i < contours.Size(); i++ {
		src, n := measure(mask, residual, claimed, f.Width, gocv.BoundingRect(contours.At(i)))
		if n < opts.MinPixels || src.Flux <= 0 {
			dropped++
			continue
		}
		cat = append(cat, src)
	}

	sort.SliceStable(cat, func(i, j int) bool { return cat[i].Flux > cat[j].Flux })
	if opts.MaxSources > 0 && len(cat) > opts.MaxSources {
		cat = cat[:opts.MaxSources]
	}
	logger.Info("sources detected",
		zap.String("image", f.Name()),
		zap.Int("contours", contours.Size()),
		zap.Int("sources", len(cat)),
		zap.Int("dropped", dropped))
	return cat, nil
}

// subtractBias returns a copy of the frame pixels minus the BIASSEC median.
// Frames without a usable BIASSEC are returned unchanged.
func subtractBias(f *nresimage.Frame) ([]float64, error) {
	data := append([]float64(nil), f.Pix...)
	if f.Header == nil {
		return data, nil
	}
	region, ok, err := nresimage.ParseRegion(f.Header.BiasSec)
	if err != nil {
		return nil, fmt.Errorf("BIASSEC: %w", err)
	}
	if !ok {
		return data, nil
	}
	vals, err := region.Values(f)
	if err != nil {
		return nil, fmt.Errorf("BIASSEC: %w", err)
	}
	sort.Float64s(vals)
	bias := stat.Quantile(0.5, stat.Empirical, vals, nil)
	for i := range data {
		data[i] -= bias
	}
	return data, nil
}

// background blurs data with a Gaussian of the given sigma.
func background(data []float64, width, height int, sigma float64) ([]float64, error) {
	src := gocv.NewMatWithSize(height, width, gocv.MatTypeCV32F)
	defer src.Close()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src.SetFloatAt(y, x, float32(data[y*width+x]))
		}
	}

	dst := gocv.NewMat()
	defer dst.Close()
	k := 2*int(math.Ceil(3*sigma)) + 1
	gocv.GaussianBlur(src, &dst, image.Point{k, k}, sigma, sigma, gocv.BorderReflect101)
	if dst.Rows() != height || dst.Cols() != width {
		return nil, fmt.Errorf("background blur returned %dx%d: %w", dst.Cols(), dst.Rows(), errs.ErrInvalidInput)
	}

	out := make([]float64, len(data))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out[y*width+x] = float64(dst.GetFloatAt(y, x))
		}
	}
	return out, nil
}

// measure computes the flux-weighted moments of the unclaimed mask pixels
// inside rect and marks them claimed. It returns the source and the number
// of pixels it covers.
func measure(mask gocv.Mat, residual []float64, claimed []bool, width int, rect image.Rectangle) (alignment.Source, int) {
	var sum, sx, sy float64
	type pixel struct {
		x, y float64
		w    float64
	}
	var pix []pixel
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			i := y*width + x
			if claimed[i] || mask.GetUCharAt(y, x) == 0 {
				continue
			}
			claimed[i] = true
			w := residual[i]
			if w <= 0 {
				continue
			}
			pix = append(pix, pixel{float64(x), float64(y), w})
			sum += w
			sx += w * float64(x)
			sy += w * float64(y)
		}
	}
	if sum <= 0 {
		return alignment.Source{}, len(pix)
	}

	cx, cy := sx/sum, sy/sum
	var x2, y2, xy float64
	for _, p := range pix {
		dx, dy := p.x-cx, p.y-cy
		x2 += p.w * dx * dx
		y2 += p.w * dy * dy
		xy += p.w * dx * dy
	}
	x2, y2, xy = x2/sum, y2/sum, xy/sum

	mean := (x2 + y2) / 2
	diff := math.Sqrt((x2-y2)*(x2-y2)/4 + xy*xy)
	theta := 0.5 * math.Atan2(2*xy, x2-y2)
	theta = math.Max(-thetaLimit, math.Min(thetaLimit, theta))
	return alignment.Source{
		X:     cx,
		Y:     cy,
		Flux:  sum,
		A:     math.Sqrt(mean + diff),
		B:     math.Sqrt(math.Max(mean-diff, 0)),
		Theta: theta,
	}, len(pix)
}
