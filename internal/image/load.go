package image

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"nres-tracer/internal/errs"
)

// SupportedFormats returns the file extensions Load understands.
func SupportedFormats() []string {
	return []string{".fits", ".fit", ".fts", ".tif", ".tiff"}
}

// IsSupportedFormat checks if a file has a supported frame extension.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, f := range SupportedFormats() {
		if ext == f {
			return true
		}
	}
	return false
}

// Load reads a frame from a FITS or TIFF file, chosen by extension.
func Load(path string) (*Frame, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		return LoadFITS(path)
	case ".tif", ".tiff":
		return LoadTIFF(path)
	default:
		return nil, fmt.Errorf("unsupported frame format %q: %w", filepath.Ext(path), errs.ErrInvalidInput)
	}
}

// LoadTIFF reads a single-channel TIFF (typically 16-bit) as a frame. TIFF
// carries no observatory metadata, so only Filename is set in the header.
func LoadTIFF(path string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, err := tiff.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tiff %s: %v: %w", path, err, errs.ErrInvalidInput)
	}

	frame := FromImage(img)
	frame.Header = &Header{Filename: path, Cards: map[string]string{}}
	return frame, nil
}

// FromImage converts any image.Image to a frame of gray values.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy())

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				f.Pix[y*f.Width+x] = float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				f.Pix[y*f.Width+x] = float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				f.Pix[y*f.Width+x] = float64(g.Y)
			}
		}
	}
	return f
}

// SaveTIFF writes f as a 16-bit gray TIFF. Pixels are rounded and clamped
// to [0, 65535]; the header is not stored.
func SaveTIFF(path string, f *Frame) error {
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := math.Round(f.At(x, y))
			if math.IsNaN(v) {
				v = 0
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Max(0, math.Min(65535, v)))})
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create tiff: %w", err)
	}
	if err := tiff.Encode(out, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode tiff: %w", err)
	}
	return out.Close()
}
