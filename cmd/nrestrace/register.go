package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nres-tracer/internal/alignment"
	"nres-tracer/internal/errs"
	"nres-tracer/internal/instrument"
	"nres-tracer/internal/metrics"
)

type registerFlags struct {
	input     string
	reference string
	seeds     string
	out       string
	order     int
	profile   string
}

func newRegisterCmd(a *app) *cobra.Command {
	var f registerFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Carry by-hand trace seeds onto a new frame",
		Long: `Fit the polynomial warp taking the reference catalog onto the input
catalog, then push every row of the by-hand seed file through it and write
the re-sampled seeds.

Example:
  nrestrace register --input new.json --reference ref.json \
      --seeds byhand.txt --out new_byhand.txt --order 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("order") {
				f.order = a.cfg.Register.Order
			}
			return a.runRegister(f)
		},
	}
	cmd.Flags().StringVar(&f.input, "input", "", "catalog of the new frame")
	cmd.Flags().StringVar(&f.reference, "reference", "", "catalog of the reference frame")
	cmd.Flags().StringVar(&f.seeds, "seeds", "", "by-hand trace seed file of the reference frame")
	cmd.Flags().StringVar(&f.out, "out", "", "re-projected seed file")
	cmd.Flags().IntVar(&f.order, "order", 3, "polynomial order of the warp")
	cmd.Flags().StringVar(&f.profile, "profile", "", "instrument profile supplying the seed columns")
	for _, name := range []string{"input", "reference", "seeds", "out"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) runRegister(f registerFlags) error {
	start := time.Now()
	defer metrics.ObserveStage("register", start)

	name := f.profile
	if name == "" {
		name = a.cfg.Instrument.Profile
	}
	profile, err := instrument.Lookup(name, a.cfg.Instrument.Dir)
	if err != nil {
		return err
	}
	columns := profile.SeedColumns()
	if len(columns) == 0 {
		columns = alignment.CanonicalColumns
	}

	input, err := alignment.LoadCatalog(f.input)
	if err != nil {
		return err
	}
	reference, err := alignment.LoadCatalog(f.reference)
	if err != nil {
		return err
	}
	seedFile, err := os.Open(f.seeds)
	if err != nil {
		return fmt.Errorf("failed to open seeds: %w", err)
	}
	seeds, err := alignment.ParseSeeds(seedFile, columns)
	seedFile.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", f.seeds, err)
	}

	opts := a.cfg.Register.Options()
	opts.Order = f.order
	opts.Logger = a.logger
	res, err := alignment.FitWarp(input, reference, opts)
	if err != nil {
		return err
	}
	if res.Matches == 0 {
		return fmt.Errorf("warp matched no sources: %w", errs.ErrSearchExhausted)
	}

	moved, err := alignment.Reproject(seeds, res.Warp)
	if err != nil {
		return err
	}
	if err := writeFile(f.out, func(w *os.File) error { return alignment.WriteSeeds(w, moved) }); err != nil {
		return err
	}
	a.logger.Info("seeds re-projected",
		zap.String("file", f.out),
		zap.Int("rows", len(moved.Rows)),
		zap.Int("matches", res.Matches),
		zap.Bool("converged", res.Converged),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
