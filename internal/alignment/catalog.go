// Package alignment registers a source catalog from a new frame against a
// reference catalog and carries hand-made trace seeds through the fitted
// warp.
package alignment

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"nres-tracer/internal/errs"
	"nres-tracer/pkg/geometry"
)

// minSources is the smallest catalog any estimator accepts.
const minSources = 3

// Source is one detected point source. A and B are the semi-axes of the
// flux-weighted second moments and Theta their orientation in radians.
type Source struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Flux  float64 `json:"flux"`
	A     float64 `json:"a,omitempty"`
	B     float64 `json:"b,omitempty"`
	Theta float64 `json:"theta,omitempty"`
}

// Catalog is a list of sources from one frame.
type Catalog []Source

// Points returns the source positions.
func (c Catalog) Points() []geometry.Point2D {
	pts := make([]geometry.Point2D, len(c))
	for i, s := range c {
		pts[i] = geometry.Point2D{X: s.X, Y: s.Y}
	}
	return pts
}

// Brightest returns at most n sources in descending flux order. n <= 0
// returns every source.
func (c Catalog) Brightest(n int) Catalog {
	out := make(Catalog, len(c))
	copy(out, c)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Flux > out[j].Flux })
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

func (c Catalog) check(name string) error {
	if len(c) < minSources {
		return fmt.Errorf("%s catalog has %d sources, need at least %d: %w", name, len(c), minSources, errs.ErrInvalidInput)
	}
	return nil
}

// LoadCatalog reads a JSON catalog.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog %s: %v: %w", path, err, errs.ErrInvalidInput)
	}
	return c, nil
}

// Save writes the catalog as indented JSON.
func (c Catalog) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
