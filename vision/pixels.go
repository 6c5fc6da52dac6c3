package vision

import (
	"image"
	"math"
)

// MeanAbsDiff is the mean absolute RGB difference between a and b at (x, y),
// in 0..255. Both images must share bounds.
func MeanAbsDiff(a, b *image.NRGBA, x, y int) float64 {
	i := a.PixOffset(x, y)
	j := b.PixOffset(x, y)
	pa, pb := a.Pix[i:i+3:i+3], b.Pix[j:j+3:j+3]
	sum := absDiff(pa[0], pb[0]) + absDiff(pa[1], pb[1]) + absDiff(pa[2], pb[2])
	return float64(sum) / 3
}

// Luma is the Rec. 601 luminance of img at (x, y), in 0..255.
func Luma(img *image.NRGBA, x, y int) float64 {
	i := img.PixOffset(x, y)
	p := img.Pix[i : i+3 : i+3]
	return 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
}

// LocalContrast is the mean absolute central difference of luminance at
// (x, y) along both axes. Neighbours outside the image clamp to the edge.
func LocalContrast(img *image.NRGBA, x, y int) float64 {
	b := img.Bounds()
	left, right := max(x-1, b.Min.X), min(x+1, b.Max.X-1)
	up, down := max(y-1, b.Min.Y), min(y+1, b.Max.Y-1)

	dx := math.Abs(Luma(img, right, y) - Luma(img, left, y))
	dy := math.Abs(Luma(img, x, down) - Luma(img, x, up))
	return (dx + dy) / 2
}

// AlphaPlane extracts the alpha channel of mask as one byte per pixel,
// row-major.
func AlphaPlane(mask *image.NRGBA) []uint8 {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := mask.Pix[y*mask.Stride : y*mask.Stride+w*4]
		for x := 0; x < w; x++ {
			plane[y*w+x] = row[x*4+3]
		}
	}
	return plane
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
