package trace

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/smooth"
)

// Window selects the rows [Lower, Upper) of a column slice.
type Window struct {
	Lower int
	Upper int
}

// Centered returns the 2*halfwidth+1 rows around center rounded to the
// nearest row.
func Centered(center float64, halfwidth int) Window {
	c := int(math.Round(center))
	return Window{Lower: c - halfwidth, Upper: c + halfwidth + 1}
}

// Bounded returns the rows [lower, upper), each rounded to the nearest row.
func Bounded(lower, upper float64) Window {
	return Window{Lower: int(math.Round(lower)), Upper: int(math.Round(upper))}
}

// SliceOptions controls smoothing and background handling for ExtractSlice.
type SliceOptions struct {
	Smooth           int // median kernel, 0 or 1 for none, otherwise odd
	RemoveBackground bool
}

// Slice is a contiguous run of rows from one column.
type Slice struct {
	Column            int
	Rows              []int
	Values            []float64
	BackgroundRemoved bool
}

// ExtractSlice cuts rows w out of column. Windows that leave the detector
// return errs.ErrOutOfBounds; nothing is clipped or wrapped.
func ExtractSlice(f *nresimage.Frame, column int, w Window, opts SliceOptions) (Slice, error) {
	if column < 0 || column >= f.Width {
		return Slice{}, fmt.Errorf("column %d outside [0, %d): %w", column, f.Width, errs.ErrOutOfBounds)
	}
	if w.Upper <= w.Lower {
		return Slice{}, fmt.Errorf("empty window [%d, %d): %w", w.Lower, w.Upper, errs.ErrInvalidInput)
	}
	if w.Lower < 0 || w.Upper > f.Height {
		return Slice{}, fmt.Errorf("rows [%d, %d) outside [0, %d): %w", w.Lower, w.Upper, f.Height, errs.ErrOutOfBounds)
	}

	n := w.Upper - w.Lower
	s := Slice{Column: column, Rows: make([]int, n), Values: make([]float64, n)}
	for i := 0; i < n; i++ {
		row := w.Lower + i
		s.Rows[i] = row
		s.Values[i] = f.Pix[row*f.Width+column]
	}

	if opts.Smooth > 1 {
		smoothed, err := smooth.Median1D(s.Values, opts.Smooth)
		if err != nil {
			return Slice{}, err
		}
		s.Values = smoothed
	}
	if opts.RemoveBackground {
		s = s.RemoveBackground()
	}
	return s, nil
}

// RemoveBackground returns a copy with the slice minimum subtracted.
// Applying it twice changes nothing.
func (s Slice) RemoveBackground() Slice {
	out := s
	out.Values = make([]float64, len(s.Values))
	copy(out.Values, s.Values)
	if len(out.Values) > 0 {
		floats.AddConst(-floats.Min(out.Values), out.Values)
	}
	out.BackgroundRemoved = true
	return out
}

// Total returns the summed intensity of the slice.
func (s Slice) Total() float64 {
	return floats.Sum(s.Values)
}

// Centroid returns the flux-weighted mean row of s. It reports false when
// the total flux is zero or negative.
func Centroid(s Slice) (float64, bool) {
	var num, den float64
	for i, v := range s.Values {
		num += float64(s.Rows[i]) * v
		den += v
	}
	if !(den > 0) {
		return math.NaN(), false
	}
	return num / den, true
}

// refine re-centroids twice around row: once from the guess and once from
// the first centroid, to remove the bias of an off-center window.
func refine(f *nresimage.Frame, column int, row float64, halfwidth int) (float64, Slice, error) {
	opts := SliceOptions{RemoveBackground: true}
	s, err := ExtractSlice(f, column, Centered(row, halfwidth), opts)
	if err != nil {
		return math.NaN(), Slice{}, err
	}
	c, ok := Centroid(s)
	if !ok {
		return math.NaN(), s, fmt.Errorf("no flux at column %d row %.1f: %w", column, row, errs.ErrSearchExhausted)
	}
	s, err = ExtractSlice(f, column, Centered(c, halfwidth), opts)
	if err != nil {
		return math.NaN(), Slice{}, err
	}
	c, ok = Centroid(s)
	if !ok {
		return math.NaN(), s, fmt.Errorf("no flux at column %d row %.1f: %w", column, row, errs.ErrSearchExhausted)
	}
	return c, s, nil
}
