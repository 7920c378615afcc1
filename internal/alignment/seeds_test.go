package alignment

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nres-tracer/internal/errs"
	"nres-tracer/internal/poly"
	"nres-tracer/pkg/geometry"
)

const seedFile = `nres01 by-hand trace, 2017-03-20
cols 500 1250 2000 2750 3750
  1050  1125  1200  1275  1375
  1090  1165  1240  1315  1415
`

func TestParseSeeds(t *testing.T) {
	s, err := ParseSeeds(strings.NewReader(seedFile), CanonicalColumns)
	require.NoError(t, err)
	assert.Equal(t, []string{"nres01 by-hand trace, 2017-03-20", "cols 500 1250 2000 2750 3750"}, s.Header)
	assert.Equal(t, [][]int{{1050, 1125, 1200, 1275, 1375}, {1090, 1165, 1240, 1315, 1415}}, s.Rows)

	var buf bytes.Buffer
	require.NoError(t, WriteSeeds(&buf, s))
	again, err := ParseSeeds(&buf, CanonicalColumns)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestParseSeedsErrors(t *testing.T) {
	_, err := ParseSeeds(strings.NewReader("header only\n"), CanonicalColumns)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = ParseSeeds(strings.NewReader("h\n1 2 3 4 5\nbroken row\n"), CanonicalColumns)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = ParseSeeds(strings.NewReader(seedFile), nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestReproject(t *testing.T) {
	s, err := ParseSeeds(strings.NewReader(seedFile), CanonicalColumns)
	require.NoError(t, err)

	tests := []struct {
		name  string
		warp  poly.CoordinateWarp
		shift int
	}{
		{"identity", poly.IdentityWarp(3), 0},
		{"row shift", poly.WarpFromAffine(geometry.Similarity(1, 0, 0, 3.2), 3), 3},
		{"column shift", poly.WarpFromAffine(geometry.Similarity(1, 0, 100, 0), 3), -10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Reproject(s, tt.warp)
			require.NoError(t, err)
			assert.Equal(t, s.Header, out.Header)
			require.Len(t, out.Rows, len(s.Rows))
			for r := range s.Rows {
				for i := range s.Rows[r] {
					assert.Equal(t, s.Rows[r][i]+tt.shift, out.Rows[r][i], "row %d column %d", r, i)
				}
			}
		})
	}
}

func TestReprojectRejectsShortRow(t *testing.T) {
	s := &Seeds{Columns: CanonicalColumns, Rows: [][]int{{1, 2, 3}}}
	_, err := Reproject(s, poly.IdentityWarp(1))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}
