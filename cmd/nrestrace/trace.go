package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/instrument"
	"nres-tracer/internal/metrics"
	"nres-tracer/internal/qa"
	"nres-tracer/internal/trace"
)

type traceFlags struct {
	outDir  string
	profile string
	regions bool
	qa      bool
	jobs    int
	nOrders int
}

func newTraceCmd(a *app) *cobra.Command {
	var f traceFlags
	cmd := &cobra.Command{
		Use:   "trace <flat>...",
		Short: "Trace every order and fiber on one or more flats",
		Long: `Trace every order and fiber on each flat (FITS or TIFF) and write
<name>_trace.txt into the output directory.

Examples:
  # Trace one flat with the nres02 defaults and a DS9 overlay
  nrestrace trace --profile nres02 --regions flat.fits

  # Trace a night of flats four at a time with QA plots
  nrestrace trace --jobs 4 --qa --out traces/ *.fits`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTrace(f, args)
		},
	}
	cmd.Flags().StringVar(&f.outDir, "out", ".", "output directory")
	cmd.Flags().StringVar(&f.profile, "profile", "", "instrument profile (default from config, then "+instrument.DefaultProfile+")")
	cmd.Flags().BoolVar(&f.regions, "regions", false, "also write a DS9 region file of the fitted traces")
	cmd.Flags().BoolVar(&f.qa, "qa", false, "write QA plots and an overlay image")
	cmd.Flags().IntVar(&f.jobs, "jobs", 1, "flats traced concurrently")
	cmd.Flags().IntVar(&f.nOrders, "n-orders", 0, "stop after this many orders (0 keeps the configured value)")
	return cmd
}

// traceParams resolves tracer parameters: defaults, then the instrument
// profile, then config overrides, then flags.
func (a *app) traceParams(f traceFlags) (trace.Params, error) {
	name := f.profile
	if name == "" {
		name = a.cfg.Instrument.Profile
	}
	profile, err := instrument.Lookup(name, a.cfg.Instrument.Dir)
	if err != nil {
		return trace.Params{}, err
	}
	params := profile.TraceParams()
	a.cfg.Trace.Apply(&params)
	if f.nOrders > 0 {
		params.NOrders = f.nOrders
	}
	a.logger.Info("instrument profile", zap.String("profile", profile.Name), zap.String("site", profile.Site))
	return params, nil
}

func (a *app) runTrace(f traceFlags, paths []string) error {
	if f.jobs < 1 {
		f.jobs = 1
	}
	params, err := a.traceParams(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	failures := make([]error, len(paths))
	var g errgroup.Group
	g.SetLimit(f.jobs)
	for i, path := range paths {
		g.Go(func() error {
			if err := a.traceOne(path, params, f); err != nil {
				failures[i] = fmt.Errorf("%s: %w", path, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failures...)
}

// traceOne traces a single flat with its own tracer and logger.
func (a *app) traceOne(path string, params trace.Params, f traceFlags) error {
	start := time.Now()
	logger := a.logger.With(zap.String("image", filepath.Base(path)))

	frame, err := nresimage.Load(path)
	if err != nil {
		return err
	}
	tracer, err := trace.NewTracer(params, logger)
	if err != nil {
		return err
	}
	tf, err := tracer.Run(frame)
	metrics.ObserveStage("trace", start)
	if err != nil {
		return err
	}

	base := filepath.Join(f.outDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if err := writeFile(base+"_trace.txt", func(w *os.File) error { return trace.WriteASCII(w, tf) }); err != nil {
		return err
	}
	if f.regions {
		err := writeFile(base+"_trace.reg", func(w *os.File) error {
			return trace.WritePolynomialRegions(w, tf.Orders(), tf.Width, trace.DefaultRegionSampling)
		})
		if err != nil {
			return err
		}
	}
	if f.qa || a.cfg.QA.Enabled {
		dir := a.cfg.QA.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(f.outDir, dir)
		}
		files, err := qa.Write(dir, frame, tf)
		if err != nil {
			return fmt.Errorf("qa: %w", err)
		}
		logger.Debug("qa products written", zap.Strings("files", files))
	}

	logger.Info("trace written",
		zap.String("file", base+"_trace.txt"),
		zap.Int("orders", tf.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// writeFile creates path and hands it to write, closing it either way.
func writeFile(path string, write func(*os.File) error) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(out); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
