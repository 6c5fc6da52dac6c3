// Package scoring rates edit candidates against the original room.
//
// A candidate is compared pixel by pixel with the prepared room at a fixed
// sampling stride. The score mask splits samples into the floor zone, where
// change is expected, and everything else, where change means the service
// altered room structure. Lower scores are better; a candidate in which
// nothing meaningful happened on the floor scores +Inf.
package scoring

import (
	"fmt"
	"image"
	"math"

	"rugcomposer/core"
	"rugcomposer/vision"
)

// SampleStride is the pixel step used in both directions.
const SampleStride = 4

// InsideZoneAlpha is the score-mask alpha above which a pixel belongs to the
// evaluation zone.
const InsideZoneAlpha = 120

const (
	outsideWeight     = 2.2
	insideWeight      = 0.2
	lowInsideCutoff   = 8.0
	lowInsidePenalty  = 18.0
	frameTouchPenalty = 180.0
	overflowWeight    = 900.0
)

// Thresholds are the tunables the scorer reads from RenderPipelineConfig.
type Thresholds struct {
	ChangeThreshold       float64
	EdgeContrastThreshold float64
	MaxWidthRatio         float64
	MaxHeightRatio        float64
	FrameMarginRatio      float64
}

// ThresholdsFromConfig extracts scorer thresholds from cfg.
func ThresholdsFromConfig(cfg core.RenderPipelineConfig) Thresholds {
	return Thresholds{
		ChangeThreshold:       cfg.ChangeThreshold,
		EdgeContrastThreshold: cfg.EdgeContrastThreshold,
		MaxWidthRatio:         cfg.MaxWidthRatio,
		MaxHeightRatio:        cfg.MaxHeightRatio,
		FrameMarginRatio:      cfg.FrameMarginRatio,
	}
}

// Metrics describes one candidate.
type Metrics struct {
	Score        float64
	RugAreaRatio float64

	// BoundingBox encloses the changed samples inside the zone, in room
	// coordinates. Empty when the candidate was rejected.
	BoundingBox image.Rectangle

	InsideMeanDiff  float64
	OutsideMeanDiff float64
	EdgeContrast    float64

	InsideSamples  int
	ChangedSamples int
	TouchesFrame   bool

	// Rejected is set when the candidate scored +Inf.
	Rejected bool
}

// Score decodes the three images and evaluates the candidate. The candidate
// and mask are resized to the room's dimensions when they differ.
func Score(candidate, room, scoreMask []byte, th Thresholds) (Metrics, error) {
	roomImg, err := vision.DecodeImage(room)
	if err != nil {
		return Metrics{}, fmt.Errorf("scoring: decode room: %w", err)
	}
	maskImg, err := vision.DecodeImage(scoreMask)
	if err != nil {
		return Metrics{}, fmt.Errorf("scoring: decode score mask: %w", err)
	}
	candImg, err := vision.DecodeImage(candidate)
	if err != nil {
		return Metrics{}, fmt.Errorf("scoring: decode candidate: %w", err)
	}

	r := vision.ToNRGBA(roomImg)
	w, h := r.Bounds().Dx(), r.Bounds().Dy()
	return Evaluate(vision.ResizeIfNeeded(candImg, w, h), r, vision.ResizeIfNeeded(maskImg, w, h), th), nil
}

// Evaluate scores candidate against room. All three images must share
// zero-origin bounds.
func Evaluate(candidate, room, mask *image.NRGBA, th Thresholds) Metrics {
	w, h := room.Bounds().Dx(), room.Bounds().Dy()

	var (
		insideSum, outsideSum float64
		insideN, outsideN     int
		changed               int
		contrastSum           float64
		minX, minY            = w, h
		maxX, maxY            = -1, -1
	)

	for y := 0; y < h; y += SampleStride {
		for x := 0; x < w; x += SampleStride {
			diff := vision.MeanAbsDiff(room, candidate, x, y)
			if mask.Pix[mask.PixOffset(x, y)+3] <= InsideZoneAlpha {
				outsideSum += diff
				outsideN++
				continue
			}

			insideSum += diff
			insideN++
			if diff <= th.ChangeThreshold {
				continue
			}
			changed++
			contrastSum += vision.LocalContrast(candidate, x, y)
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}

	m := Metrics{
		InsideSamples:   insideN,
		ChangedSamples:  changed,
		InsideMeanDiff:  mean(insideSum, insideN),
		OutsideMeanDiff: mean(outsideSum, outsideN),
		EdgeContrast:    mean(contrastSum, changed),
	}

	if changed == 0 || maxX <= minX || maxY <= minY || m.EdgeContrast < th.EdgeContrastThreshold {
		m.Score = math.Inf(1)
		m.RugAreaRatio = 1
		m.Rejected = true
		return m
	}

	m.BoundingBox = image.Rect(minX, minY, maxX+1, maxY+1)
	widthRatio := float64(maxX-minX) / float64(w)
	heightRatio := float64(maxY-minY) / float64(h)

	m.TouchesFrame = touchesFrame(minX, minY, maxX, maxY, w, h, th.FrameMarginRatio)
	penalty := geometryPenalty(m.TouchesFrame, widthRatio, heightRatio, th)

	changedRatio := float64(changed) / float64(insideN)
	m.RugAreaRatio = max(widthRatio*heightRatio, changedRatio)

	lowInside := 0.0
	if m.InsideMeanDiff < lowInsideCutoff {
		lowInside = lowInsidePenalty
	}

	m.Score = m.OutsideMeanDiff*outsideWeight + lowInside - m.InsideMeanDiff*insideWeight + penalty
	return m
}

func touchesFrame(minX, minY, maxX, maxY, w, h int, marginRatio float64) bool {
	mx := marginRatio * float64(w)
	my := marginRatio * float64(h)
	return float64(minX) <= mx ||
		float64(minY) <= my ||
		float64(maxX) >= float64(w-1)-mx ||
		float64(maxY) >= float64(h-1)-my
}

func geometryPenalty(touches bool, widthRatio, heightRatio float64, th Thresholds) float64 {
	penalty := 0.0
	if touches {
		penalty += frameTouchPenalty
	}
	if widthRatio > th.MaxWidthRatio {
		penalty += (widthRatio - th.MaxWidthRatio) * overflowWeight
	}
	if heightRatio > th.MaxHeightRatio {
		penalty += (heightRatio - th.MaxHeightRatio) * overflowWeight
	}
	return penalty
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
