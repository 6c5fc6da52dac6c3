package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
)

// EncodeJPEG flattens transparency onto white and encodes at quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, Flatten(img), imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("vision: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes img losslessly, keeping its alpha channel.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		return nil, fmt.Errorf("vision: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
