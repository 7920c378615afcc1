// Command nrestrace traces echelle orders on NRES flats, measures sources on
// arc frames and re-registers by-hand trace seeds against a reference.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nres-tracer/internal/config"
	"nres-tracer/internal/errs"
	"nres-tracer/internal/logging"
	"nres-tracer/internal/metrics"
	"nres-tracer/internal/version"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nrestrace: %s: %v\n", errs.Classify(err), err)
		os.Exit(errs.ExitCode(err))
	}
}

// app carries the global flags and the state built from them before any
// subcommand runs.
type app struct {
	out io.Writer

	configPath      string
	logLevel        string
	metricsTextfile string

	cfg    *config.Config
	logger *zap.Logger
	runID  string
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:   "nrestrace",
		Short: "NRES order tracing and trace re-registration",
		Long: `nrestrace locates every echelle order and fiber on an NRES flat-field
frame, writes the trace table and DS9 overlays, and carries by-hand trace
seeds onto a drifted detector by matching point-source catalogs.

Configuration is read from --config (YAML) and NRES_* environment
variables, e.g. NRES_LOG_LEVEL=debug or NRES_TRACE_N_ORDERS=40.`,
		Version:            version.Version,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.finish,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.metricsTextfile, "metrics-textfile", "", "write prometheus metrics to this file when done")

	root.AddCommand(
		newTraceCmd(a),
		newDetectCmd(a),
		newRegisterCmd(a),
		newOverlayCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.metricsTextfile != "" {
		cfg.Metrics.Textfile = a.metricsTextfile
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errs.ErrInvalidInput)
	}
	a.cfg = cfg
	a.logger, a.runID = logging.WithRun(logger.With(zap.String("command", cmd.Name())))
	a.logger.Debug("configuration loaded", zap.String("config", a.configPath))
	return nil
}

func (a *app) finish(_ *cobra.Command, _ []string) error {
	if err := metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		return err
	}
	if err := logging.Sync(a.logger); err != nil {
		return fmt.Errorf("failed to sync logger: %w", err)
	}
	return nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(a.out, version.String("nrestrace"))
			return err
		},
	}
}
