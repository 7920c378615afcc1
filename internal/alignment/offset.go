package alignment

import (
	"fmt"
	"math"

	"nres-tracer/internal/errs"
	"nres-tracer/pkg/geometry"
)

const (
	offsetRange = 25.0
	offsetBin   = 0.1
)

// EstimateOffset returns the translation t such that input ~ S*R*reference
// + t for the given scale and rotation.
//
// Every input-minus-reference difference within +-25 px is binned at
// 0.1 px. The peak is the bin whose 3x3 neighbourhood holds the most
// differences, ties going to the smaller offset, and the result is the mean
// of the differences in that neighbourhood.
func EstimateOffset(input, reference Catalog, scale, rotation float64) (geometry.Point2D, error) {
	if err := input.check("input"); err != nil {
		return geometry.Point2D{}, err
	}
	if err := reference.check("reference"); err != nil {
		return geometry.Point2D{}, err
	}

	t := geometry.Similarity(scale, rotation, 0, 0)
	ref := reference.Points()
	for i := range ref {
		ref[i] = t.Apply(ref[i])
	}

	n := int(math.Round(2 * offsetRange / offsetBin))
	counts := make([]int, n*n)
	bin := func(v float64) int { return int(math.Floor((v + offsetRange) / offsetBin)) }

	type diff struct {
		d    geometry.Point2D
		i, j int
	}
	var diffs []diff
	for _, p := range input.Points() {
		for _, q := range ref {
			d := p.Sub(q)
			i, j := bin(d.X), bin(d.Y)
			if i < 0 || i >= n || j < 0 || j >= n {
				continue
			}
			counts[j*n+i]++
			diffs = append(diffs, diff{d, i, j})
		}
	}
	if len(diffs) == 0 {
		return geometry.Point2D{}, fmt.Errorf("offset: no source pairs within %.0f px: %w", offsetRange, errs.ErrSearchExhausted)
	}

	center := func(k int) float64 { return -offsetRange + (float64(k)+0.5)*offsetBin }
	bestI, bestJ, bestSum := -1, -1, -1
	bestNorm := math.Inf(1)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			sum := 0
			for dj := -1; dj <= 1; dj++ {
				for di := -1; di <= 1; di++ {
					ii, jj := i+di, j+dj
					if ii >= 0 && ii < n && jj >= 0 && jj < n {
						sum += counts[jj*n+ii]
					}
				}
			}
			if sum == 0 || sum < bestSum {
				continue
			}
			norm := math.Hypot(center(i), center(j))
			if sum > bestSum || norm < bestNorm {
				bestI, bestJ, bestSum, bestNorm = i, j, sum, norm
			}
		}
	}

	var mean geometry.Point2D
	members := 0
	for _, d := range diffs {
		if abs(d.i-bestI) <= 1 && abs(d.j-bestJ) <= 1 {
			mean = mean.Add(d.d)
			members++
		}
	}
	return mean.Scale(1 / float64(members)), nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
