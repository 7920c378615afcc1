package image

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"

	"nres-tracer/internal/errs"
)

// LoadFITS reads the first two-dimensional image HDU of a FITS file.
// BZERO and BSCALE are applied, so unsigned 16-bit raw frames come back with
// their true counts.
func LoadFITS(path string) (*Frame, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fits: %w", err)
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fits %s: %v: %w", path, err, errs.ErrInvalidInput)
	}
	defer f.Close()

	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := img.Header().Axes()
		if len(axes) != 2 || axes[0] == 0 || axes[1] == 0 {
			continue
		}
		frame, err := readImageHDU(img)
		if err != nil {
			return nil, fmt.Errorf("fits %s: %w", path, err)
		}
		frame.Header.Filename = path
		return frame, nil
	}
	return nil, fmt.Errorf("fits %s: no 2-D image HDU: %w", path, errs.ErrInvalidInput)
}

func readImageHDU(img fitsio.Image) (*Frame, error) {
	hdr := img.Header()
	axes := hdr.Axes()
	width, height := axes[0], axes[1]
	n := width * height

	pix := make([]float64, n)
	switch bitpix := hdr.Bitpix(); bitpix {
	case 8:
		raw := make([]uint8, n)
		if err := img.Read(&raw); err != nil {
			return nil, fmt.Errorf("read bitpix 8: %w", err)
		}
		for i, v := range raw {
			pix[i] = float64(v)
		}
	case 16:
		raw := make([]int16, n)
		if err := img.Read(&raw); err != nil {
			return nil, fmt.Errorf("read bitpix 16: %w", err)
		}
		for i, v := range raw {
			pix[i] = float64(v)
		}
	case 32:
		raw := make([]int32, n)
		if err := img.Read(&raw); err != nil {
			return nil, fmt.Errorf("read bitpix 32: %w", err)
		}
		for i, v := range raw {
			pix[i] = float64(v)
		}
	case 64:
		raw := make([]int64, n)
		if err := img.Read(&raw); err != nil {
			return nil, fmt.Errorf("read bitpix 64: %w", err)
		}
		for i, v := range raw {
			pix[i] = float64(v)
		}
	case -32:
		raw := make([]float32, n)
		if err := img.Read(&raw); err != nil {
			return nil, fmt.Errorf("read bitpix -32: %w", err)
		}
		for i, v := range raw {
			pix[i] = float64(v)
		}
	case -64:
		if err := img.Read(&pix); err != nil {
			return nil, fmt.Errorf("read bitpix -64: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d: %w", bitpix, errs.ErrInvalidInput)
	}

	header := headerFromCards(hdr)
	bzero := cardFloat(header.Cards["BZERO"], 0)
	bscale := cardFloat(header.Cards["BSCALE"], 1)
	if bzero != 0 || bscale != 1 {
		for i := range pix {
			pix[i] = bzero + bscale*pix[i]
		}
	}

	frame, err := FromPixels(width, height, pix)
	if err != nil {
		return nil, err
	}
	frame.Header = header
	return frame, nil
}

func headerFromCards(hdr *fitsio.Header) *Header {
	h := &Header{Cards: make(map[string]string)}
	for _, key := range hdr.Keys() {
		card := hdr.Get(key)
		if card == nil {
			continue
		}
		h.Cards[strings.ToUpper(key)] = strings.TrimSpace(fmt.Sprint(card.Value))
	}
	h.Objects = h.Cards["OBJECTS"]
	h.DayObs = h.Cards["DAY-OBS"]
	h.BiasSec = h.Cards["BIASSEC"]
	h.ReadNoise = cardFloat(h.Cards["RDNOISE"], 0)
	return h
}

func cardFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}
