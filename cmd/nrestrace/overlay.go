package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nres-tracer/internal/trace"
)

func newOverlayCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "overlay <trace.txt>",
		Short: "Convert a trace table into a DS9 region file",
		Long: `Read a trace table written by "nrestrace trace" and draw every fiber as
1-indexed DS9 line segments between the tabulated columns.

Example:
  nrestrace overlay flat_trace.txt --out flat_trace.reg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open trace table: %w", err)
			}
			defer in.Close()

			table, err := trace.ReadASCII(in)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := writeFile(out, func(w *os.File) error { return trace.WriteTableRegions(w, table) }); err != nil {
				return err
			}
			a.logger.Info("regions written", zap.String("file", out), zap.Int("orders", len(table.Orders)))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "trace.reg", "output region file")
	return cmd
}
