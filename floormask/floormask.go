// Package floormask synthesizes the floor-region alpha masks sent upstream
// and used for scoring.
//
// A Synthesizer draws a randomized floor rectangle from configured ratio
// ranges and renders two masks over it. The API mask marks the region the
// edit service may change (alpha 0) versus preserve (alpha 255). The score
// mask is its complement and marks where candidates are evaluated. A soft
// band of BlendDepthPx pixels along the rectangle's inner edges ramps
// linearly between the two.
package floormask

import (
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"rugcomposer/core"
)

// MinTopRatio is the highest a floor rectangle may start, as a fraction of H.
const MinTopRatio = 0.40

var ErrInvalidDimensions = errors.New("floormask: width and height must be positive")

// Rect is a floor rectangle in pixel coordinates; Max is exclusive.
type Rect = image.Rectangle

// Pair holds the two masks built over one floor rectangle.
type Pair struct {
	Floor Rect
	API   *image.NRGBA
	Score *image.NRGBA
}

// Geometry is the subset of RenderPipelineConfig the synthesizer reads.
type Geometry struct {
	TopMinRatio       float64
	TopMaxRatio       float64
	WidthMinRatio     float64
	WidthMaxRatio     float64
	BottomMarginRatio float64
	BlendDepthPx      int
	InnerEditAlpha    uint8
}

// GeometryFromConfig extracts mask geometry from the pipeline config.
func GeometryFromConfig(cfg core.RenderPipelineConfig) Geometry {
	return Geometry{
		TopMinRatio:       cfg.FloorTopMinRatio,
		TopMaxRatio:       cfg.FloorTopMaxRatio,
		WidthMinRatio:     cfg.FloorWidthMinRatio,
		WidthMaxRatio:     cfg.FloorWidthMaxRatio,
		BottomMarginRatio: cfg.FloorBottomMarginRatio,
		BlendDepthPx:      cfg.BlendDepthPx,
		InnerEditAlpha:    cfg.InnerEditAlpha,
	}
}

// Synthesizer draws floor rectangles from an injectable random source.
// It is safe for concurrent use.
type Synthesizer struct {
	geometry Geometry

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthesizer returns a Synthesizer seeded from the clock.
func NewSynthesizer(geometry Geometry) *Synthesizer {
	seed := uint64(time.Now().UnixNano())
	return NewSynthesizerWithRand(geometry, rand.New(rand.NewPCG(seed, seed>>1|1)))
}

// NewSynthesizerWithRand returns a Synthesizer drawing from rng. Tests pass a
// fixed-seed source to pin the rectangle.
func NewSynthesizerWithRand(geometry Geometry, rng *rand.Rand) *Synthesizer {
	return &Synthesizer{geometry: geometry, rng: rng}
}

// Synthesize draws a floor rectangle for a width x height image and renders
// both masks at exactly that size.
func (s *Synthesizer) Synthesize(width, height int) (*Pair, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrInvalidDimensions, width, height)
	}

	s.mu.Lock()
	topRatio := uniform(s.rng, s.geometry.TopMinRatio, s.geometry.TopMaxRatio)
	widthRatio := uniform(s.rng, s.geometry.WidthMinRatio, s.geometry.WidthMaxRatio)
	s.mu.Unlock()

	floor := FloorRect(width, height, topRatio, widthRatio, s.geometry.BottomMarginRatio)
	api, score := Render(width, height, floor, s.geometry.BlendDepthPx, s.geometry.InnerEditAlpha)
	return &Pair{Floor: floor, API: api, Score: score}, nil
}

// FloorRect places the floor rectangle for the drawn ratios. The top edge is
// clamped to at least MinTopRatio of the height, the rectangle is centered
// horizontally and always at least one pixel in each dimension.
func FloorRect(width, height int, topRatio, widthRatio, bottomMarginRatio float64) Rect {
	topRatio = math.Max(topRatio, MinTopRatio)

	top := int(math.Round(float64(height) * topRatio))
	bottom := height - int(math.Round(float64(height)*bottomMarginRatio))
	bottom = min(max(bottom, top+1), height)
	top = min(top, bottom-1)

	rectW := min(max(int(math.Round(float64(width)*widthRatio)), 1), width)
	left := (width - rectW) / 2

	return image.Rect(left, top, left+rectW, bottom)
}

// Render builds the API and score masks for floor. Both masks carry zero RGB
// and differ only in alpha. With innerEditAlpha 0 the two alphas sum to 255
// at every pixel.
func Render(width, height int, floor Rect, blendDepth int, innerEditAlpha uint8) (api, score *image.NRGBA) {
	bounds := image.Rect(0, 0, width, height)
	api = image.NewNRGBA(bounds)
	score = image.NewNRGBA(bounds)

	ramp := bandRamp(blendDepth)

	for y := 0; y < height; y++ {
		rowOffset := y * api.Stride
		for x := 0; x < width; x++ {
			apiAlpha, scoreAlpha := uint8(255), uint8(0)

			if (image.Point{X: x, Y: y}).In(floor) {
				d := min(x-floor.Min.X, floor.Max.X-1-x, y-floor.Min.Y, floor.Max.Y-1-y)
				if d <= blendDepth {
					scoreAlpha = ramp[d]
					apiAlpha = 255 - scoreAlpha
				} else {
					apiAlpha, scoreAlpha = innerEditAlpha, 255
				}
			}

			api.Pix[rowOffset+x*4+3] = apiAlpha
			score.Pix[rowOffset+x*4+3] = scoreAlpha
		}
	}
	return api, score
}

// bandRamp precomputes scoreAlpha = round(255*d/depth) for d in [0, depth].
func bandRamp(depth int) []uint8 {
	if depth <= 0 {
		return []uint8{255}
	}
	ramp := make([]uint8, depth+1)
	for d := range ramp {
		ramp[d] = uint8(math.Round(255 * float64(d) / float64(depth)))
	}
	return ramp
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}
