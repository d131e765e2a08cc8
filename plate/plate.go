// Package plate reads the text of a license plate from an image file.
//
// Region detection and character recognition are both pluggable: a Locator
// proposes candidate rectangles and an OCR engine reads the first one.
package plate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrDecode            = errors.New("image decoding failed")
	ErrNoPlate           = errors.New("no license plate found")
	ErrOCR               = errors.New("ocr failed")
)

type decoder func(io.Reader) (image.Image, error)

var decoders = map[string]decoder{
	".jpeg": jpeg.Decode,
	".jpg":  jpeg.Decode,
	".png":  png.Decode,
	".bmp":  bmp.Decode,
}

// Supported reports whether path has one of the accepted extensions.
func Supported(path string) bool {
	_, ok := decoders[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Locator finds regions of img that may contain a plate, best first.
type Locator interface {
	Locate(img image.Image) ([]image.Rectangle, error)
}

// FullFrame treats the whole image as the only candidate, for inputs that
// are already cropped to the plate.
type FullFrame struct{}

func (FullFrame) Locate(img image.Image) ([]image.Rectangle, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}
	return []image.Rectangle{b}, nil
}

// OCR reads the text in img.
type OCR interface {
	Recognize(ctx context.Context, img image.Image) (string, error)
}

type Recognizer struct {
	locator Locator
	ocr     OCR
	logger  *slog.Logger
}

// NewRecognizer uses FullFrame when locator is nil.
func NewRecognizer(locator Locator, ocr OCR, logger *slog.Logger) *Recognizer {
	if locator == nil {
		locator = FullFrame{}
	}
	return &Recognizer{locator: locator, ocr: ocr, logger: logger}
}

// Detect returns the text of the first candidate region in the image at
// path. Other candidates are ignored.
func (r *Recognizer) Detect(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	img, err := load(path, decode)
	if err != nil {
		return "", err
	}

	candidates, err := r.locator.Locate(img)
	if err != nil {
		return "", fmt.Errorf("locate plate: %w", err)
	}
	if len(candidates) == 0 {
		return "", ErrNoPlate
	}
	if r.logger != nil {
		r.logger.Debug("plate candidates", "path", path, "count", len(candidates), "first", candidates[0].String())
	}

	region := candidates[0].Intersect(img.Bounds())
	if region.Empty() {
		return "", fmt.Errorf("%w: candidate %v outside image", ErrNoPlate, candidates[0])
	}

	text, err := r.ocr.Recognize(ctx, crop(img, region))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOCR, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: no text recognized", ErrNoPlate)
	}
	return text, nil
}

func load(path string, decode decoder) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}
	return img, nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func crop(img image.Image, r image.Rectangle) image.Image {
	if r == img.Bounds() {
		return img
	}
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}
