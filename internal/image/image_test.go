package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"nres-tracer/internal/errs"
)

func TestFrameMetadata(t *testing.T) {
	f := NewFrame(4, 3)
	assert.Equal(t, []string{"?", "?"}, f.Fibers())
	assert.Equal(t, "unknown date", f.ObsDate())
	assert.Equal(t, "unknown", f.Name())

	f.Header = &Header{
		Objects:  "tung&none&tung",
		DayObs:   "20170312",
		Filename: "/data/nres01/20170312/raw/lsc1m009-fl09-20170312-0021-w00.fits",
	}
	assert.Equal(t, []string{"0", "2"}, f.Fibers())

	f.Header.Objects = "tung&tung&tung"
	assert.Equal(t, []string{"0", "1", "2"}, f.Fibers())
	f.Header.Objects = "none&none&none"
	assert.NotNil(t, f.Fibers())
	assert.Empty(t, f.Fibers())

	assert.Equal(t, "12 Mar 2017", f.ObsDate())
	assert.Equal(t, "lsc1m009-fl09-20170312-0021-w00.fits", f.Name())
}

func TestFromPixelsValidates(t *testing.T) {
	_, err := FromPixels(3, 2, make([]float64, 5))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	f, err := FromPixels(3, 2, []float64{0, 1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, f.At(2, 1))
	f.Set(0, 1, -1)
	lo, hi := f.Range()
	assert.Equal(t, -1.0, lo)
	assert.Equal(t, 5.0, hi)
}

func TestParseRegion(t *testing.T) {
	tests := []struct {
		in   string
		want Region
		ok   bool
		err  bool
	}{
		{"[4097:4160,1:4096]", Region{X0: 4096, X1: 4159, Y0: 0, Y1: 4095}, true, false},
		{"[10:1,5:6]", Region{X0: 9, X1: 0, Y0: 4, Y1: 5}, true, false},
		{"UNKNOWN", Region{}, false, false},
		{"N/A", Region{}, false, false},
		{"", Region{}, false, false},
		{"4097:4160,1:4096", Region{}, false, true},
		{"[0:5,1:2]", Region{}, false, true},
		{"[a:5,1:2]", Region{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok, err := ParseRegion(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, errs.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegionValues(t *testing.T) {
	f := NewFrame(4, 3)
	for i := range f.Pix {
		f.Pix[i] = float64(i)
	}
	r, ok, err := ParseRegion("[4:3,3:2]")
	require.NoError(t, err)
	require.True(t, ok)

	vals, err := r.Values(f)
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 7, 10, 11}, vals)

	_, err = Region{X0: 0, X1: 4, Y0: 0, Y1: 0}.Values(f)
	assert.ErrorIs(t, err, errs.ErrOutOfBounds)
}

func TestLoadTIFF(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 5, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 5; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000*y + x)})
		}
	}
	path := filepath.Join(t.TempDir(), "flat.tif")
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, 1004.0, f.At(4, 1))
	assert.Equal(t, path, f.Header.Filename)
}

func TestSaveTIFFRoundTrip(t *testing.T) {
	f, err := FromPixels(3, 2, []float64{0, 1.4, 2.6, -5, 70000, 1234})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "out.tiff")
	require.NoError(t, SaveTIFF(path, f))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 3, 0, 65535, 1234}, got.Pix)
}

func TestLoadUnsupported(t *testing.T) {
	_, err := Load("frame.png")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.True(t, IsSupportedFormat("a/b/c.FITS"))
	assert.False(t, IsSupportedFormat("c.jpg"))
}

// fitsCard formats one 80-column header card.
func fitsCard(key, value string) string {
	card := fmt.Sprintf("%-8s= %20s", key, value)
	if value == "" {
		card = key
	}
	return fmt.Sprintf("%-80s", card)
}

func TestLoadFITSUnsigned16(t *testing.T) {
	var hdr strings.Builder
	hdr.WriteString(fitsCard("SIMPLE", "T"))
	hdr.WriteString(fitsCard("BITPIX", "16"))
	hdr.WriteString(fitsCard("NAXIS", "2"))
	hdr.WriteString(fitsCard("NAXIS1", "3"))
	hdr.WriteString(fitsCard("NAXIS2", "2"))
	hdr.WriteString(fitsCard("BZERO", "32768"))
	hdr.WriteString(fitsCard("BSCALE", "1"))
	hdr.WriteString(fmt.Sprintf("%-80s", "OBJECTS = 'tung&tung&none'"))
	hdr.WriteString(fmt.Sprintf("%-80s", "DAY-OBS = '20170312'"))
	hdr.WriteString(fmt.Sprintf("%-80s", "BIASSEC = '[3:3,1:2]'"))
	hdr.WriteString(fitsCard("RDNOISE", "7.5"))
	hdr.WriteString(fitsCard("END", ""))

	var buf bytes.Buffer
	buf.WriteString(hdr.String())
	buf.Write(bytes.Repeat([]byte(" "), 2880-buf.Len()%2880))

	physical := []float64{100, 200, 300, 400, 500, 65535}
	for _, v := range physical {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, int16(v-32768)))
	}
	buf.Write(make([]byte, 2880-buf.Len()%2880))

	path := filepath.Join(t.TempDir(), "bias.fits")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, physical, f.Pix)
	assert.Equal(t, "20170312", f.Header.DayObs)
	assert.Equal(t, []string{"0", "1"}, f.Fibers())
	assert.Equal(t, "[3:3,1:2]", f.Header.BiasSec)
	assert.Equal(t, 7.5, f.Header.ReadNoise)
}
