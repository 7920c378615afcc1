// Package image provides detector frames: float pixel data plus the header
// metadata the tracer needs, and loaders for FITS and TIFF files.
package image

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"nres-tracer/internal/errs"
)

// Header holds the metadata the trace engine reads from a frame.
type Header struct {
	Objects   string // OBJECTS, "&" separated, one entry per fiber
	DayObs    string // DAY-OBS, YYYYMMDD
	Filename  string // source path
	BiasSec   string // BIASSEC, FITS region syntax
	ReadNoise float64

	// Cards holds every string-valued header card, keyed by upper-case name.
	Cards map[string]string
}

// Frame is a 2-D detector image stored row-major.
type Frame struct {
	Width  int
	Height int
	Pix    []float64
	Header *Header
}

// NewFrame allocates a zero frame.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height),
	}
}

// FromPixels wraps pix as a width x height frame.
func FromPixels(width, height int, pix []float64) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame size %dx%d: %w", width, height, errs.ErrInvalidInput)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("frame %dx%d has %d pixels: %w", width, height, len(pix), errs.ErrInvalidInput)
	}
	return &Frame{Width: width, Height: height, Pix: pix}, nil
}

// At returns the pixel at column x, row y.
func (f *Frame) At(x, y int) float64 {
	return f.Pix[y*f.Width+x]
}

// Set writes the pixel at column x, row y.
func (f *Frame) Set(x, y int, v float64) {
	f.Pix[y*f.Width+x] = v
}

// InBounds reports whether (x, y) is on the detector.
func (f *Frame) InBounds(x, y int) bool {
	return x >= 0 && x < f.Width && y >= 0 && y < f.Height
}

// Range returns the minimum and maximum finite pixel values.
func (f *Frame) Range() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range f.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// Fibers returns the indices of illuminated fibers from OBJECTS. Entries
// equal to "none" are dark. Without a header the fibers are unknown and two
// "?" placeholders are returned. A header with every fiber dark yields an
// empty, non-nil list.
func (f *Frame) Fibers() []string {
	if f.Header == nil || f.Header.Objects == "" {
		return []string{"?", "?"}
	}
	out := []string{}
	for i, obj := range strings.Split(f.Header.Objects, "&") {
		if strings.TrimSpace(obj) == "none" {
			continue
		}
		out = append(out, fmt.Sprint(i))
	}
	return out
}

// ObsDate returns DAY-OBS formatted as "02 Jan 2006", or "unknown date".
func (f *Frame) ObsDate() string {
	if f.Header == nil || len(f.Header.DayObs) < 8 {
		return "unknown date"
	}
	d, err := time.Parse("20060102", f.Header.DayObs[:8])
	if err != nil {
		return "unknown date"
	}
	return d.Format("02 Jan 2006")
}

// Name returns the frame's file name without its directory.
func (f *Frame) Name() string {
	if f.Header == nil || f.Header.Filename == "" {
		return "unknown"
	}
	return filepath.Base(f.Header.Filename)
}
