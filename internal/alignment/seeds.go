package alignment

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"nres-tracer/internal/errs"
	"nres-tracer/internal/poly"
	"nres-tracer/pkg/geometry"
)

// CanonicalColumns are the columns at which by-hand trace seeds are read.
var CanonicalColumns = []int{500, 1250, 2000, 2750, 3750}

// reprojectDegree is the polynomial degree refit through warped seeds.
const reprojectDegree = 3

// Seeds is a by-hand trace seed file: free-form header lines followed by
// one row per order holding the integer fiber row at each column.
type Seeds struct {
	Header  []string
	Columns []int
	Rows    [][]int
}

// ParseSeeds reads a seed file sampled at columns. Leading lines that are
// not exactly len(columns) integers form the header; every later non-blank
// line must be a row.
func ParseSeeds(r io.Reader, columns []int) (*Seeds, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("seeds: no columns: %w", errs.ErrInvalidInput)
	}
	s := &Seeds{Columns: append([]int(nil), columns...)}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		row, ok := parseSeedRow(line, len(columns))
		switch {
		case ok:
			s.Rows = append(s.Rows, row)
		case len(s.Rows) == 0:
			s.Header = append(s.Header, line)
		case strings.TrimSpace(line) == "":
		default:
			return nil, fmt.Errorf("seeds line %d: %q is not a row of %d integers: %w", lineNo, line, len(columns), errs.ErrInvalidInput)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(s.Rows) == 0 {
		return nil, fmt.Errorf("seeds: no rows: %w", errs.ErrInvalidInput)
	}
	return s, nil
}

func parseSeedRow(line string, n int) ([]int, bool) {
	fields := strings.Fields(line)
	if len(fields) != n {
		return nil, false
	}
	row := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, false
		}
		row[i] = v
	}
	return row, true
}

// WriteSeeds writes s in the layout ParseSeeds reads, one %6d field per
// column.
func WriteSeeds(w io.Writer, s *Seeds) error {
	bw := bufio.NewWriter(w)
	for _, h := range s.Header {
		fmt.Fprintln(bw, h)
	}
	for _, row := range s.Rows {
		for _, v := range row {
			fmt.Fprintf(bw, "%6d", v)
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

// Reproject carries every seed row through warp: the row's points are
// warped, a cubic row(column) is fit through them, and the fit is sampled
// back at the seed columns.
func Reproject(s *Seeds, warp poly.CoordinateWarp) (*Seeds, error) {
	out := &Seeds{
		Header:  append([]string(nil), s.Header...),
		Columns: append([]int(nil), s.Columns...),
		Rows:    make([][]int, len(s.Rows)),
	}
	xs := make([]float64, len(s.Columns))
	ys := make([]float64, len(s.Columns))
	for r, row := range s.Rows {
		if len(row) != len(s.Columns) {
			return nil, fmt.Errorf("seeds row %d has %d values, want %d: %w", r, len(row), len(s.Columns), errs.ErrInvalidInput)
		}
		for i, c := range s.Columns {
			p := warp.Apply(geometry.Point2D{X: float64(c), Y: float64(row[i])})
			xs[i], ys[i] = p.X, p.Y
		}
		fit, err := poly.Fit(xs, ys, reprojectDegree)
		if err != nil {
			return nil, fmt.Errorf("seeds row %d: %w", r, err)
		}
		out.Rows[r] = make([]int, len(s.Columns))
		for i, c := range s.Columns {
			out.Rows[r][i] = int(math.Round(fit.Eval(float64(c))))
		}
	}
	return out, nil
}
