// Package smooth implements the zero-padded median filters used to suppress
// cosmic rays and hot pixels in cross-dispersion slices.
package smooth

import (
	"fmt"
	"sort"

	"nres-tracer/internal/errs"
)

// CheckKernel reports whether k is a usable odd kernel size.
func CheckKernel(k int) error {
	if k < 1 || k%2 == 0 {
		return fmt.Errorf("median kernel %d must be odd and positive: %w", k, errs.ErrInvalidInput)
	}
	return nil
}

// Median1D returns a copy of v filtered with a running median of odd size k.
// Samples beyond either end are treated as zero.
func Median1D(v []float64, k int) ([]float64, error) {
	if err := CheckKernel(k); err != nil {
		return nil, err
	}
	out := make([]float64, len(v))
	if k == 1 {
		copy(out, v)
		return out, nil
	}
	h := k / 2
	buf := make([]float64, k)
	for i := range v {
		for j := -h; j <= h; j++ {
			idx := i + j
			if idx < 0 || idx >= len(v) {
				buf[j+h] = 0
			} else {
				buf[j+h] = v[idx]
			}
		}
		sort.Float64s(buf)
		out[i] = buf[h]
	}
	return out, nil
}

// Median2D filters a row-major rows x cols array with a k x k running median,
// zero padded at the borders.
func Median2D(v []float64, rows, cols, k int) ([]float64, error) {
	if err := CheckKernel(k); err != nil {
		return nil, err
	}
	if rows*cols != len(v) {
		return nil, fmt.Errorf("median2d: %dx%d does not match %d values: %w", rows, cols, len(v), errs.ErrInvalidInput)
	}
	out := make([]float64, len(v))
	h := k / 2
	buf := make([]float64, k*k)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			n := 0
			for dr := -h; dr <= h; dr++ {
				for dc := -h; dc <= h; dc++ {
					rr, cc := r+dr, c+dc
					if rr < 0 || rr >= rows || cc < 0 || cc >= cols {
						buf[n] = 0
					} else {
						buf[n] = v[rr*cols+cc]
					}
					n++
				}
			}
			sort.Float64s(buf)
			out[r*cols+c] = buf[len(buf)/2]
		}
	}
	return out, nil
}
