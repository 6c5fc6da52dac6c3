package refine

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"rugcomposer/scoring"
	"rugcomposer/vision"
)

const (
	edgeDarken     = 0.95
	edgeBlurSigma  = 1.2
	edgeSharpShare = 0.75
)

// EdgePolish softens the boundary of the changed region of img relative to
// room. room and scoreMask are fitted to img, so the result keeps img's
// dimensions. It returns the re-encoded PNG and the number of edge pixels
// touched; with zero edges the input bytes are returned unchanged.
func EdgePolish(img, room, scoreMask []byte, threshold float64) ([]byte, int, error) {
	candImg, err := vision.DecodeImage(img)
	if err != nil {
		return nil, 0, fmt.Errorf("refine: decode image: %w", err)
	}
	c := vision.ToNRGBA(candImg)
	w, h := c.Bounds().Dx(), c.Bounds().Dy()

	roomImg, err := vision.DecodeImage(room)
	if err != nil {
		return nil, 0, fmt.Errorf("refine: decode room: %w", err)
	}
	maskImg, err := vision.DecodeImage(scoreMask)
	if err != nil {
		return nil, 0, fmt.Errorf("refine: decode score mask: %w", err)
	}

	polished, edges := PolishImage(c, vision.ResizeIfNeeded(roomImg, w, h), vision.ResizeIfNeeded(maskImg, w, h), threshold)
	if edges == 0 {
		return img, 0, nil
	}

	data, err := vision.EncodePNG(polished)
	if err != nil {
		return nil, 0, fmt.Errorf("refine: encode polished image: %w", err)
	}
	return data, edges, nil
}

// PolishImage is EdgePolish on decoded images sharing zero-origin bounds.
// Pixels that are not on the boundary are left untouched.
func PolishImage(img, room, mask *image.NRGBA, threshold float64) (*image.NRGBA, int) {
	edges := EdgePixels(ChangedMask(img, room, mask, threshold), img.Bounds().Dx(), img.Bounds().Dy())
	if len(edges) == 0 {
		return img, 0
	}

	darkened := imaging.Clone(img)
	for _, i := range edges {
		p := darkened.Pix[i*4 : i*4+3 : i*4+3]
		for c := range p {
			p[c] = uint8(float64(p[c])*edgeDarken + 0.5)
		}
	}
	blurred := imaging.Blur(darkened, edgeBlurSigma)

	out := imaging.Clone(img)
	for _, i := range edges {
		o := i * 4
		for c := 0; c < 3; c++ {
			v := edgeSharpShare*float64(darkened.Pix[o+c]) + (1-edgeSharpShare)*float64(blurred.Pix[o+c])
			out.Pix[o+c] = uint8(v + 0.5)
		}
	}
	return out, len(edges)
}

// ChangedMask flags every pixel inside the score zone whose mean absolute
// difference from room exceeds threshold, one bool per pixel, row-major.
func ChangedMask(img, room, mask *image.NRGBA, threshold float64) []bool {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	alpha := vision.AlphaPlane(mask)
	changed := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if alpha[i] <= scoring.InsideZoneAlpha {
				continue
			}
			changed[i] = vision.MeanAbsDiff(room, img, x, y) > threshold
		}
	}
	return changed
}

// EdgePixels returns the indices of changed pixels with at least one
// unchanged 4-connected neighbour. Neighbours outside the image do not count.
func EdgePixels(changed []bool, w, h int) []int {
	var edges []int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if !changed[i] {
				continue
			}
			if (x > 0 && !changed[i-1]) ||
				(x < w-1 && !changed[i+1]) ||
				(y > 0 && !changed[i-w]) ||
				(y < h-1 && !changed[i+w]) {
				edges = append(edges, i)
			}
		}
	}
	return edges
}
