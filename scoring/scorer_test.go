package scoring

import (
	"image"
	"image/color"
	"math"
	"testing"

	"go.uber.org/zap/zaptest"

	"rugcomposer/core"
	"rugcomposer/floormask"
	"rugcomposer/logging"
	"rugcomposer/vision"
)

const testSize = 200

var roomColor = color.NRGBA{R: 120, G: 110, B: 100, A: 255}

func defaultThresholds() Thresholds {
	return ThresholdsFromConfig(core.DefaultRenderPipelineConfig())
}

func newRoom() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, testSize, testSize))
	for y := 0; y < testSize; y++ {
		for x := 0; x < testSize; x++ {
			img.SetNRGBA(x, y, roomColor)
		}
	}
	return img
}

func scoreMask() *image.NRGBA {
	floor := floormask.FloorRect(testSize, testSize, 0.55, 0.70, 0.04)
	_, score := floormask.Render(testSize, testSize, floor, 14, 0)
	return score
}

// withRug paints a horizontally graded rug into r.
func withRug(base *image.NRGBA, r image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(base.Bounds())
	copy(img.Pix, base.Pix)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			v := uint8((x * 7) % 256)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: 255 - v, A: 255})
		}
	}
	return img
}

// withWallChange repaints the top rows of base in a brighter tone.
func withWallChange(base *image.NRGBA, rows int) *image.NRGBA {
	img := image.NewNRGBA(base.Bounds())
	copy(img.Pix, base.Pix)
	for y := 0; y < rows; y++ {
		for x := 0; x < testSize; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 190, B: 180, A: 255})
		}
	}
	return img
}

var rugRect = image.Rect(50, 124, 150, 180)

func TestEvaluate_CleanPlacement(t *testing.T) {
	room := newRoom()
	m := Evaluate(withRug(room, rugRect), room, scoreMask(), defaultThresholds())

	if m.Rejected || math.IsInf(m.Score, 1) {
		t.Fatalf("clean placement rejected: %+v", m)
	}
	if m.OutsideMeanDiff != 0 {
		t.Errorf("OutsideMeanDiff = %v, want 0", m.OutsideMeanDiff)
	}
	if m.TouchesFrame {
		t.Error("TouchesFrame = true for a rug well inside the frame")
	}
	if m.BoundingBox.Empty() || !m.BoundingBox.In(rugRect) {
		t.Errorf("BoundingBox = %v, want within %v", m.BoundingBox, rugRect)
	}
	if m.RugAreaRatio <= 0 || m.RugAreaRatio > 1 {
		t.Errorf("RugAreaRatio = %v, want in (0, 1]", m.RugAreaRatio)
	}
	if m.EdgeContrast < 0.5 {
		t.Errorf("EdgeContrast = %v, want a textured rug", m.EdgeContrast)
	}
}

// TestEvaluate_UnchangedIsRejected tests that a candidate with no change in
// the zone scores +Inf regardless of what happened outside it.
func TestEvaluate_UnchangedIsRejected(t *testing.T) {
	room := newRoom()

	tests := []struct {
		name      string
		candidate *image.NRGBA
	}{
		{"identical", room},
		{"outside change only", withWallChange(room, 60)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Evaluate(tt.candidate, room, scoreMask(), defaultThresholds())
			if !m.Rejected || !math.IsInf(m.Score, 1) {
				t.Errorf("Score = %v, Rejected = %v; want +Inf, true", m.Score, m.Rejected)
			}
			if m.RugAreaRatio != 1 {
				t.Errorf("RugAreaRatio = %v, want 1", m.RugAreaRatio)
			}
		})
	}
}

func TestEvaluate_FlatFillIsRejected(t *testing.T) {
	room := newRoom()
	candidate := image.NewNRGBA(room.Bounds())
	copy(candidate.Pix, room.Pix)
	for y := rugRect.Min.Y; y < rugRect.Max.Y; y++ {
		for x := rugRect.Min.X; x < rugRect.Max.X; x++ {
			candidate.SetNRGBA(x, y, color.NRGBA{R: 20, G: 20, B: 20, A: 255})
		}
	}

	// Sample points on the rug border still see contrast, so only the
	// interior is flat. Raising the threshold must reject it.
	th := defaultThresholds()
	th.EdgeContrastThreshold = 50
	if m := Evaluate(candidate, room, scoreMask(), th); !m.Rejected {
		t.Errorf("EdgeContrast = %v passed a threshold of 50", m.EdgeContrast)
	}
}

func TestEvaluate_GeometryPenalty(t *testing.T) {
	room := newRoom()
	th := defaultThresholds()

	inside := Evaluate(withRug(room, rugRect), room, scoreMask(), th)

	// A full-width rug reaches the frame and overflows the width limit.
	full := image.Rect(0, 112, testSize, 192)
	mask := image.NewNRGBA(room.Bounds())
	for i := 3; i < len(mask.Pix); i += 4 {
		mask.Pix[i] = 255
	}
	wide := Evaluate(withRug(room, full), room, mask, th)

	if !wide.TouchesFrame {
		t.Fatal("TouchesFrame = false for a full-width rug")
	}
	if wide.Score < inside.Score+frameTouchPenalty {
		t.Errorf("wide score %v not penalized against %v", wide.Score, inside.Score)
	}
}

func TestGeometryPenalty(t *testing.T) {
	th := defaultThresholds()
	tests := []struct {
		name    string
		touches bool
		w, h    float64
		want    float64
	}{
		{"none", false, 0.5, 0.3, 0},
		{"frame", true, 0.5, 0.3, 180},
		{"wide", false, 0.95, 0.3, 0.05 * 900},
		{"tall and framed", true, 0.5, 0.95, 180 + 0.10*900},
	}
	for _, tt := range tests {
		got := geometryPenalty(tt.touches, tt.w, tt.h, th)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: geometryPenalty() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// TestScorer_PrefersCleanCandidate tests that the candidate which leaves the
// room untouched wins regardless of return order.
func TestScorer_PrefersCleanCandidate(t *testing.T) {
	room := newRoom()
	roomBytes := mustPNG(t, room)
	maskBytes := mustPNG(t, scoreMask())
	clean := mustPNG(t, withRug(room, rugRect))
	dirty := mustPNG(t, withWallChange(withRug(room, rugRect), 80))

	scorer := NewScorer(core.DefaultRenderPipelineConfig(), logging.NewFromZap(zaptest.NewLogger(t)), nil)

	tests := []struct {
		name       string
		candidates [][]byte
		want       int
	}{
		{"clean first", [][]byte{clean, dirty}, 0},
		{"clean second", [][]byte{dirty, clean}, 1},
	}
	for _, tt := range tests {
		sel := scorer.ScoreAll(tt.candidates, roomBytes, maskBytes)
		if sel.Index != tt.want {
			t.Errorf("%s: selected %d, want %d (scores %v / %v)", tt.name, sel.Index, tt.want, sel.All[0].Score, sel.All[1].Score)
		}
	}
}

func TestScorer_RejectedNeverBeatsFinite(t *testing.T) {
	room := newRoom()
	roomBytes := mustPNG(t, room)
	maskBytes := mustPNG(t, scoreMask())

	scorer := NewScorer(core.DefaultRenderPipelineConfig(), logging.NewNop(), nil)
	sel := scorer.ScoreAll([][]byte{roomBytes, []byte("not an image"), mustPNG(t, withRug(room, rugRect))}, roomBytes, maskBytes)

	if sel.Index != 2 {
		t.Errorf("selected %d, want the only finite candidate", sel.Index)
	}
	if !sel.All[1].Rejected {
		t.Error("undecodable candidate not rejected")
	}
}

func TestScorer_SingleCandidateStillScored(t *testing.T) {
	room := newRoom()
	scorer := NewScorer(core.DefaultRenderPipelineConfig(), logging.NewNop(), nil)
	sel := scorer.ScoreAll([][]byte{mustPNG(t, withRug(room, rugRect))}, mustPNG(t, room), mustPNG(t, scoreMask()))

	if sel.Index != 0 || sel.Metrics.Rejected {
		t.Errorf("Selection = %+v, want candidate 0 with finite metrics", sel)
	}
}

func TestScore_ResizesCandidate(t *testing.T) {
	room := newRoom()
	big := vision.Resize(withRug(room, rugRect), 2*testSize, 2*testSize)

	m, err := Score(mustPNG(t, big), mustPNG(t, room), mustPNG(t, scoreMask()), defaultThresholds())
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if m.Rejected {
		t.Errorf("upscaled candidate rejected: %+v", m)
	}
}

func TestSelect_FirstMinimumWins(t *testing.T) {
	inf := math.Inf(1)
	tests := []struct {
		scores []float64
		want   int
	}{
		{[]float64{5, 3, 3}, 1},
		{[]float64{inf, inf}, 0},
		{[]float64{inf, 40}, 1},
		{[]float64{-2}, 0},
	}
	for _, tt := range tests {
		metrics := make([]Metrics, len(tt.scores))
		for i, s := range tt.scores {
			metrics[i].Score = s
		}
		if got := Select(metrics); got != tt.want {
			t.Errorf("Select(%v) = %d, want %d", tt.scores, got, tt.want)
		}
	}
}

func mustPNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	data, err := vision.EncodePNG(img)
	if err != nil {
		t.Fatalf("EncodePNG() error = %v", err)
	}
	return data
}
