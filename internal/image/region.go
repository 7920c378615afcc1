package image

import (
	"fmt"
	"strconv"
	"strings"

	"nres-tracer/internal/errs"
)

// Region is a rectangular pixel section parsed from a FITS keyword such as
// BIASSEC. Bounds are zero-indexed and inclusive; X0 > X1 (or Y0 > Y1)
// marks a reversed axis.
type Region struct {
	X0, X1 int
	Y0, Y1 int
}

// ParseRegion parses "[x1:x2,y1:y2]" (1-indexed, inclusive). Empty,
// "unknown" and "n/a" values report ok == false without an error.
func ParseRegion(value string) (r Region, ok bool, err error) {
	v := strings.TrimSpace(value)
	switch strings.ToLower(v) {
	case "", "unknown", "n/a":
		return Region{}, false, nil
	}
	if len(v) < 2 || v[0] != '[' || v[len(v)-1] != ']' {
		return Region{}, false, fmt.Errorf("region %q: missing brackets: %w", value, errs.ErrInvalidInput)
	}
	sections := strings.Split(v[1:len(v)-1], ",")
	if len(sections) != 2 {
		return Region{}, false, fmt.Errorf("region %q: want two sections: %w", value, errs.ErrInvalidInput)
	}
	x0, x1, err := parseSection(sections[0])
	if err != nil {
		return Region{}, false, fmt.Errorf("region %q: %w", value, err)
	}
	y0, y1, err := parseSection(sections[1])
	if err != nil {
		return Region{}, false, fmt.Errorf("region %q: %w", value, err)
	}
	return Region{X0: x0, X1: x1, Y0: y0, Y1: y1}, true, nil
}

func parseSection(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("section %q: %w", s, errs.ErrInvalidInput)
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("section %q: %v: %w", s, err, errs.ErrInvalidInput)
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("section %q: %v: %w", s, err, errs.ErrInvalidInput)
	}
	if a < 1 || b < 1 {
		return 0, 0, fmt.Errorf("section %q: pixels are 1-indexed: %w", s, errs.ErrInvalidInput)
	}
	return a - 1, b - 1, nil
}

func span(a, b int) (lo, hi int) {
	if a > b {
		return b, a
	}
	return a, b
}

// Values returns the pixels of f inside r. Order does not matter to callers,
// so reversed axes are walked forward.
func (r Region) Values(f *Frame) ([]float64, error) {
	x0, x1 := span(r.X0, r.X1)
	y0, y1 := span(r.Y0, r.Y1)
	if !f.InBounds(x0, y0) || !f.InBounds(x1, y1) {
		return nil, fmt.Errorf("region [%d:%d,%d:%d] outside %dx%d frame: %w",
			r.X0+1, r.X1+1, r.Y0+1, r.Y1+1, f.Width, f.Height, errs.ErrOutOfBounds)
	}
	out := make([]float64, 0, (x1-x0+1)*(y1-y0+1))
	for y := y0; y <= y1; y++ {
		out = append(out, f.Pix[y*f.Width+x0:y*f.Width+x1+1]...)
	}
	return out, nil
}
