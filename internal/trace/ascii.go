package trace

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"nres-tracer/internal/errs"
)

// Table is the sampled form of a trace: both fiber polynomials of every
// order evaluated at a fixed column stride.
type Table struct {
	Title   string
	Fibers  []string
	Columns []int
	Orders  []TableOrder
}

// TableOrder holds one order's sampled rows, one value per table column.
type TableOrder struct {
	Index int
	Blue  []float64
	Red   []float64
}

// unknownFibers stands in for the fiber list of a frame without a header.
var unknownFibers = []string{"?", "?"}

// Table samples tf every Every columns from 0 through Width inclusive. A nil
// fiber list is written as unknown; an empty one means every fiber was dark.
func (tf *TraceFile) Table() Table {
	orders := tf.Orders()
	fibers := tf.Fibers
	if fibers == nil {
		fibers = unknownFibers
	}
	t := Table{
		Title: fmt.Sprintf("nrestrace order positions at every %d columns from x=0 to %d for iord=0,%d, ifib=%s, %s %s",
			tf.Every, tf.Width, len(orders), strings.Join(fibers, ","), tf.Date, tf.ImageName),
		Fibers: slices.Clone(fibers),
	}
	for x := 0; x <= tf.Width; x += tf.Every {
		t.Columns = append(t.Columns, x)
	}
	for _, o := range orders {
		to := TableOrder{Index: o.Index, Blue: make([]float64, len(t.Columns)), Red: make([]float64, len(t.Columns))}
		for i, x := range t.Columns {
			to.Blue[i] = o.BluePoly.Eval(float64(x))
			to.Red[i] = o.RedPoly.Eval(float64(x))
		}
		t.Orders = append(t.Orders, to)
	}
	return t
}

// WriteASCII writes the fixed-width trace file for tf.
func WriteASCII(w io.Writer, tf *TraceFile) error {
	if tf.Every < 1 {
		return fmt.Errorf("every %d < 1: %w", tf.Every, errs.ErrInvalidInput)
	}
	return WriteTable(w, tf.Table())
}

// WriteTable writes t in the fixed-width layout: a title line, the fiber
// line, the column header, then a blue and a red row per order. The output
// has no trailing newline.
func WriteTable(w io.Writer, t Table) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\nnfib %d", t.Title, len(t.Fibers))
	for _, fib := range t.Fibers {
		fmt.Fprintf(bw, " %s", fib)
	}
	bw.WriteString("\niord ")
	for _, x := range t.Columns {
		fmt.Fprintf(bw, "%4d     ", x)
	}
	for _, o := range t.Orders {
		for _, row := range [][]float64{o.Blue, o.Red} {
			fmt.Fprintf(bw, "\n%-5d", o.Index)
			for _, v := range row {
				fmt.Fprintf(bw, "%6.1f   ", v)
			}
		}
	}
	return bw.Flush()
}

// ReadASCII parses a file written by WriteASCII.
func ReadASCII(r io.Reader) (Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			lines = append(lines, sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		return Table{}, err
	}
	if len(lines) < 3 {
		return Table{}, fmt.Errorf("trace file has %d lines, need at least 3: %w", len(lines), errs.ErrInvalidInput)
	}

	t := Table{Title: lines[0]}

	nfib := strings.Fields(lines[1])
	if len(nfib) < 2 || nfib[0] != "nfib" {
		return Table{}, fmt.Errorf("bad fiber line %q: %w", lines[1], errs.ErrInvalidInput)
	}
	n, err := strconv.Atoi(nfib[1])
	if err != nil || n != len(nfib)-2 {
		return Table{}, fmt.Errorf("fiber line %q does not list its count: %w", lines[1], errs.ErrInvalidInput)
	}
	t.Fibers = nfib[2:]

	header := strings.Fields(lines[2])
	if len(header) == 0 || header[0] != "iord" {
		return Table{}, fmt.Errorf("bad column header %q: %w", lines[2], errs.ErrInvalidInput)
	}
	for _, f := range header[1:] {
		x, err := strconv.Atoi(f)
		if err != nil {
			return Table{}, fmt.Errorf("column label %q: %w", f, errs.ErrInvalidInput)
		}
		t.Columns = append(t.Columns, x)
	}

	rows := lines[3:]
	if len(rows)%2 != 0 {
		return Table{}, fmt.Errorf("odd number of fiber rows (%d): %w", len(rows), errs.ErrInvalidInput)
	}
	for i := 0; i < len(rows); i += 2 {
		idx, blue, err := parseRow(rows[i], len(t.Columns))
		if err != nil {
			return Table{}, err
		}
		idxRed, red, err := parseRow(rows[i+1], len(t.Columns))
		if err != nil {
			return Table{}, err
		}
		if idx != idxRed {
			return Table{}, fmt.Errorf("order %d blue row followed by order %d: %w", idx, idxRed, errs.ErrInvalidInput)
		}
		t.Orders = append(t.Orders, TableOrder{Index: idx, Blue: blue, Red: red})
	}
	return t, nil
}

func parseRow(line string, ncols int) (int, []float64, error) {
	fields := strings.Fields(line)
	if len(fields) != ncols+1 {
		return 0, nil, fmt.Errorf("row has %d values, want %d: %w", len(fields)-1, ncols, errs.ErrInvalidInput)
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, nil, fmt.Errorf("order label %q: %w", fields[0], errs.ErrInvalidInput)
	}
	vals := make([]float64, ncols)
	for i, f := range fields[1:] {
		if vals[i], err = strconv.ParseFloat(f, 64); err != nil {
			return 0, nil, fmt.Errorf("value %q: %w", f, errs.ErrInvalidInput)
		}
	}
	return idx, vals, nil
}
