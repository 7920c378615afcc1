package trace

import (
	"math"

	"nres-tracer/internal/poly"
)

// Order is one diffraction order: two fibers tagged by row at the reference
// column, blue being the larger row.
type Order struct {
	Index    int
	Blue     FiberTrace
	Red      FiberTrace
	BluePoly *poly.Polynomial
	RedPoly  *poly.Polynomial
}

// RMS returns the worse of the two fibers' fit residuals.
func (o Order) RMS() float64 {
	cols := o.Blue.Columns()
	return math.Max(o.BluePoly.RMS(cols, o.Blue.Centroids), o.RedPoly.RMS(cols, o.Red.Centroids))
}

// TraceFile is the result of a trace run. Orders found blueward are
// prepended and orders found redward appended; they are kept in two slices
// and merged only when read.
type TraceFile struct {
	ImageName string
	Date      string
	Fibers    []string // nil is written as unknown
	Every     int
	Width     int

	blueward []Order // nearest the seed first
	redward  []Order // seed order first
}

// NewTraceFile returns an empty trace file with its provenance set.
func NewTraceFile(imageName, date string, fibers []string, every, width int) *TraceFile {
	return &TraceFile{
		ImageName: imageName,
		Date:      date,
		Fibers:    fibers,
		Every:     every,
		Width:     width,
	}
}

// PrependBlue adds an order on the blue side of every existing order.
func (tf *TraceFile) PrependBlue(o Order) {
	tf.blueward = append(tf.blueward, o)
}

// AppendRed adds an order on the red side of every existing order.
func (tf *TraceFile) AppendRed(o Order) {
	tf.redward = append(tf.redward, o)
}

// Len returns the number of orders.
func (tf *TraceFile) Len() int {
	return len(tf.blueward) + len(tf.redward)
}

// Bluest returns the order at the blue end.
func (tf *TraceFile) Bluest() Order {
	if n := len(tf.blueward); n > 0 {
		return tf.blueward[n-1]
	}
	return tf.redward[0]
}

// Reddest returns the order at the red end.
func (tf *TraceFile) Reddest() Order {
	if n := len(tf.redward); n > 0 {
		return tf.redward[n-1]
	}
	return tf.blueward[0]
}

// Orders returns every order from blue to red with Index set to its
// position.
func (tf *TraceFile) Orders() []Order {
	out := make([]Order, 0, tf.Len())
	for i := len(tf.blueward) - 1; i >= 0; i-- {
		out = append(out, tf.blueward[i])
	}
	out = append(out, tf.redward...)
	for i := range out {
		out[i].Index = i
	}
	return out
}
