// Command synthtrace renders a synthetic echelle flat, traces it and prints
// the recovered fiber positions against the rendered ones.
package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"

	"go.uber.org/zap"

	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/logging"
	"nres-tracer/internal/poly"
	"nres-tracer/internal/synth"
	"nres-tracer/internal/trace"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is the whole command; it returns the process exit status so deferred
// cleanup always happens before main exits.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("synthtrace", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := synth.DefaultConfig()
	fs.IntVar(&cfg.Width, "w", cfg.Width, "Frame width")
	fs.IntVar(&cfg.Height, "h", cfg.Height, "Frame height")
	fs.IntVar(&cfg.NOrders, "n", cfg.NOrders, "Number of orders to render")
	fs.Float64Var(&cfg.FirstRow, "first", cfg.FirstRow, "Row of the lowest red fiber at the center column")
	fs.Float64Var(&cfg.OrderSpacing, "spacing", cfg.OrderSpacing, "Rows between orders")
	fs.Float64Var(&cfg.FiberSeparation, "sep", cfg.FiberSeparation, "Rows between the two fibers of an order")
	fs.Float64Var(&cfg.Noise, "noise", cfg.Noise, "Gaussian noise sigma")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Noise seed")
	refRow := fs.Int("row", -1, "Reference row (default: frame center)")
	refCol := fs.Int("col", -1, "Reference column (default: frame center)")
	save := fs.String("save", "", "Also write the rendered flat to this TIFF")
	out := fs.String("o", "", "Write the trace table to this file")
	verbose := fs.Bool("v", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Format: "console"})
	if err != nil {
		fmt.Fprintf(stderr, "Logger: %v\n", err)
		return 1
	}
	defer logging.Sync(logger)

	fmt.Fprintf(stdout, "=== Rendering %dx%d flat, %d orders ===\n", cfg.Width, cfg.Height, cfg.NOrders)
	frame, truth, err := synth.Flat(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Render failed: %v\n", err)
		return 2
	}
	if *save != "" {
		if err := nresimage.SaveTIFF(*save, frame); err != nil {
			fmt.Fprintf(stderr, "Save failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Saved flat to %s\n", *save)
	}

	params := trace.DefaultParams()
	params.ReferenceRow = cfg.Height / 2
	params.ReferenceColumn = cfg.Width / 2
	if *refRow >= 0 {
		params.ReferenceRow = *refRow
	}
	if *refCol >= 0 {
		params.ReferenceColumn = *refCol
	}

	fmt.Fprintf(stdout, "\n=== Tracing from row %d, column %d ===\n", params.ReferenceRow, params.ReferenceColumn)
	tracer, err := trace.NewTracer(params, logger.With(zap.String("image", "synthetic")))
	if err != nil {
		fmt.Fprintf(stderr, "Tracer: %v\n", err)
		return 2
	}
	tf, err := tracer.Run(frame)
	if err != nil {
		fmt.Fprintf(stderr, "Trace failed: %v\n", err)
		return 1
	}

	orders := tf.Orders()
	fmt.Fprintf(stdout, "Recovered %d of %d orders\n\n", len(orders), len(truth.Orders))
	fmt.Fprintf(stdout, "%5s %10s %10s %8s %10s %10s %8s\n", "order", "blue", "true", "rms", "red", "true", "rms")
	col := float64(params.ReferenceColumn)
	worst := 0.0
	for i, o := range orders {
		if i >= len(truth.Orders) {
			fmt.Fprintf(stdout, "%5d %10.3f %10s %8s %10.3f %10s %8s\n", i, o.BluePoly.Eval(col), "-", "-", o.RedPoly.Eval(col), "-", "-")
			continue
		}
		tr := truth.Orders[i]
		blueRMS := curveRMS(o.BluePoly, tr.Blue, cfg.Width)
		redRMS := curveRMS(o.RedPoly, tr.Red, cfg.Width)
		worst = math.Max(worst, math.Max(blueRMS, redRMS))
		fmt.Fprintf(stdout, "%5d %10.3f %10.3f %8.4f %10.3f %10.3f %8.4f\n",
			i, o.BluePoly.Eval(col), tr.Blue.Eval(col), blueRMS,
			o.RedPoly.Eval(col), tr.Red.Eval(col), redRMS)
	}
	fmt.Fprintf(stdout, "\nWorst curve RMS: %.4f px\n", worst)

	if *out != "" {
		if err := writeTable(*out, tf); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Wrote trace table to %s\n", *out)
	}
	return 0
}

func writeTable(path string, tf *trace.TraceFile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := trace.WriteASCII(f, tf); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// curveRMS compares two row(column) curves over every column.
func curveRMS(got, want *poly.Polynomial, width int) float64 {
	var sum float64
	for x := 0; x < width; x++ {
		d := got.Eval(float64(x)) - want.Eval(float64(x))
		sum += d * d
	}
	return math.Sqrt(sum / float64(width))
}
