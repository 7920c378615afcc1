package qa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/trace"
)

// Write renders every QA product for a trace of f into dir and returns the
// files written. Names start with the frame's base name.
func Write(dir string, f *nresimage.Frame, tf *trace.TraceFile) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create qa directory: %w", err)
	}
	base := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
	path := func(suffix string) string { return filepath.Join(dir, base+"_"+suffix+".png") }

	var written []string
	first, err := FirstOrderPlot(tf)
	if err != nil {
		return written, err
	}
	if err := SavePlot(first, path("first_order")); err != nil {
		return written, err
	}
	written = append(written, path("first_order"))

	res, err := ResidualPlot(tf)
	if err != nil {
		return written, err
	}
	if err := SavePlot(res, path("residuals")); err != nil {
		return written, err
	}
	written = append(written, path("residuals"))

	if err := WriteOverlay(path("overlay"), f, tf); err != nil {
		return written, err
	}
	written = append(written, path("overlay"))
	return written, nil
}
