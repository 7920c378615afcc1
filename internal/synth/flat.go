// Package synth renders synthetic echelle flats with known fiber positions.
package synth

import (
	"fmt"
	"math"
	"math/rand"

	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/poly"
)

// Fade dims every fiber linearly from full amplitude at column Start to
// zero at column End. Columns past End stay dark. A zero Fade is off.
type Fade struct {
	Start int
	End   int
}

func (f Fade) factor(x int) float64 {
	if f.End <= f.Start {
		return 1
	}
	switch {
	case x <= f.Start:
		return 1
	case x >= f.End:
		return 0
	}
	return float64(f.End-x) / float64(f.End-f.Start)
}

// Config describes a flat. Orders are numbered from the lowest row upward;
// each order has a red fiber at its base row and a blue fiber
// FiberSeparation rows above it.
type Config struct {
	Width  int
	Height int

	NOrders         int
	FirstRow        float64 // red fiber of the lowest order at the center column
	OrderSpacing    float64 // rows between the same fiber of adjacent orders
	FiberSeparation float64 // blue row minus red row

	// Curvature holds the coefficients of the shared order shape in the
	// normalized column t = (x - Width/2) / (Width/2), lowest power first.
	// The constant term is ignored.
	Curvature []float64

	Sigma     float64 // gaussian cross-dispersion width in rows
	Amplitude float64
	Pedestal  float64
	Noise     float64 // gaussian read noise sigma, 0 for none
	Seed      int64
	Fade      Fade

	Objects string // OBJECTS header value
	DayObs  string
}

// DefaultConfig is a small 1024x1024 flat with ten gently curved orders.
func DefaultConfig() Config {
	return Config{
		Width:           1024,
		Height:          1024,
		NOrders:         10,
		FirstRow:        200,
		OrderSpacing:    60,
		FiberSeparation: 20,
		Curvature:       []float64{0, 4, -12, 1.5, 2},
		Sigma:           2,
		Amplitude:       1000,
		Pedestal:        10,
		Objects:         "tung&tung&none",
		DayObs:          "20170320",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Width < 2 || c.Height < 2:
		return fmt.Errorf("synth: frame %dx%d too small: %w", c.Width, c.Height, errs.ErrInvalidInput)
	case c.NOrders < 0:
		return fmt.Errorf("synth: %d orders: %w", c.NOrders, errs.ErrInvalidInput)
	case c.Sigma <= 0:
		return fmt.Errorf("synth: sigma %g <= 0: %w", c.Sigma, errs.ErrInvalidInput)
	case c.Noise < 0:
		return fmt.Errorf("synth: noise %g < 0: %w", c.Noise, errs.ErrInvalidInput)
	}
	return nil
}

// OrderTruth holds the exact fiber curves of one order.
type OrderTruth struct {
	Blue *poly.Polynomial
	Red  *poly.Polynomial
}

// Truth lists the rendered orders from the bluest (largest row) to the
// reddest, matching the tracer's order numbering.
type Truth struct {
	Orders []OrderTruth
}

// Flat renders the configured flat and returns its truth curves.
func Flat(cfg Config) (*nresimage.Frame, Truth, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Truth{}, err
	}

	half := float64(cfg.Width) / 2
	curve := func(base float64) *poly.Polynomial {
		coeffs := append([]float64{base}, tail(cfg.Curvature)...)
		return &poly.Polynomial{Coeffs: coeffs, Center: half, Scale: half}
	}

	var truth Truth
	for k := cfg.NOrders - 1; k >= 0; k-- {
		red := cfg.FirstRow + float64(k)*cfg.OrderSpacing
		truth.Orders = append(truth.Orders, OrderTruth{
			Blue: curve(red + cfg.FiberSeparation),
			Red:  curve(red),
		})
	}

	frame := nresimage.NewFrame(cfg.Width, cfg.Height)
	frame.Header = &nresimage.Header{Objects: cfg.Objects, DayObs: cfg.DayObs, Filename: "synthetic.fits"}
	for i := range frame.Pix {
		frame.Pix[i] = cfg.Pedestal
	}

	reach := int(math.Ceil(8 * cfg.Sigma))
	twoSigma2 := 2 * cfg.Sigma * cfg.Sigma
	for x := 0; x < cfg.Width; x++ {
		amp := cfg.Amplitude * cfg.Fade.factor(x)
		if amp == 0 {
			continue
		}
		for _, o := range truth.Orders {
			for _, p := range []*poly.Polynomial{o.Blue, o.Red} {
				yc := p.Eval(float64(x))
				lo := max(int(math.Floor(yc))-reach, 0)
				hi := min(int(math.Ceil(yc))+reach, cfg.Height-1)
				for y := lo; y <= hi; y++ {
					d := float64(y) - yc
					frame.Pix[y*cfg.Width+x] += amp * math.Exp(-d*d/twoSigma2)
				}
			}
		}
	}

	if cfg.Noise > 0 {
		rng := rand.New(rand.NewSource(cfg.Seed))
		for i := range frame.Pix {
			frame.Pix[i] += cfg.Noise * rng.NormFloat64()
		}
	}
	return frame, truth, nil
}

func tail(c []float64) []float64 {
	if len(c) < 2 {
		return nil
	}
	return c[1:]
}
