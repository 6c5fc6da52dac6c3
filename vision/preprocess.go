// Package vision holds the pixel-level helpers shared by preparation, scoring
// and refinement: decoding with EXIF orientation, bounded resizing, RGBA
// normalisation and encoding.
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	ErrInvalidImage      = errors.New("vision: invalid image data")
	ErrInvalidDimensions = errors.New("vision: invalid dimensions")
	ErrEmptyImage        = errors.New("vision: empty image data")
)

// DecodeImage decodes data in any registered format and applies the EXIF
// orientation tag so the returned pixels are upright.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrInvalidDimensions
	}
	return img, nil
}

// DecodeDimensions reads only the header of an encoded image.
func DecodeDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return cfg.Width, cfg.Height, nil
}

// FitWithin scales img down so neither side exceeds maxDim, preserving the
// aspect ratio. Images already inside the box are returned unscaled.
func FitWithin(img image.Image, maxDim int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return ToNRGBA(img)
	}

	scale := float64(maxDim) / float64(max(w, h))
	newW := max(1, int(float64(w)*scale+0.5))
	newH := max(1, int(float64(h)*scale+0.5))
	return Resize(img, newW, newH)
}

// Resize scales img to exactly width x height using Catmull-Rom.
func Resize(img image.Image, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ResizeIfNeeded returns img as NRGBA at width x height, scaling only when
// the dimensions differ.
func ResizeIfNeeded(img image.Image, width, height int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return ToNRGBA(img)
	}
	return Resize(img, width, height)
}

// ToNRGBA returns img as a zero-origin *image.NRGBA, copying only when needed.
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba
	}
	return imaging.Clone(img)
}

// Flatten composites img over an opaque white background.
func Flatten(img image.Image) *image.NRGBA {
	nrgba := ToNRGBA(img)
	if nrgba.Opaque() {
		return nrgba
	}
	b := nrgba.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, nrgba, image.Point{}, 1.0)
}
