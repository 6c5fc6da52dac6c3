package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"rugcomposer/core"
	"rugcomposer/db"
	"rugcomposer/floormask"
	"rugcomposer/imagegen"
	"rugcomposer/ledger"
	"rugcomposer/logging"
	"rugcomposer/metrics"
	"rugcomposer/prepcache"
	"rugcomposer/refine"
	"rugcomposer/scoring"
	"rugcomposer/vision"
)

// echoClient answers every edit with copies of the room it was sent, or
// with err when set. With rug set, a textured rug is painted into the middle
// of the mask's edit zone first, so candidates score finite.
type echoClient struct {
	mu       sync.Mutex
	requests []imagegen.EditRequest
	ctxErrs  []error
	err      error
	rug      bool
}

func (c *echoClient) Edit(ctx context.Context, req imagegen.EditRequest) ([]imagegen.EditOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	c.ctxErrs = append(c.ctxErrs, ctx.Err())
	if c.err != nil {
		return nil, c.err
	}
	data := req.Images[0].Data
	if c.rug && req.Mask != nil {
		painted, err := paintRug(req.Images[0].Data, req.Mask.Data)
		if err != nil {
			return nil, err
		}
		data = painted
	}
	out := make([]imagegen.EditOutput, req.VariantCount)
	for i := range out {
		out[i] = imagegen.EditOutput{Data: data}
	}
	return out, nil
}

var rugTones = [2]color.NRGBA{{R: 200, G: 60, B: 40, A: 255}, {R: 40, G: 60, B: 200, A: 255}}

// paintRug fills the central quarter of the mask's transparent region with a
// 2px checkerboard.
func paintRug(roomData, maskData []byte) ([]byte, error) {
	roomImg, err := vision.DecodeImage(roomData)
	if err != nil {
		return nil, err
	}
	maskImg, err := vision.DecodeImage(maskData)
	if err != nil {
		return nil, err
	}
	room := imaging.Clone(roomImg)
	mask := vision.ToNRGBA(maskImg)

	zone := image.Rectangle{}
	b := mask.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if mask.NRGBAAt(x, y).A < 128 {
				zone = zone.Union(image.Rect(x, y, x+1, y+1))
			}
		}
	}
	insetX, insetY := zone.Dx()/4, zone.Dy()/4
	rug := image.Rect(zone.Min.X+insetX, zone.Min.Y+insetY, zone.Max.X-insetX, zone.Max.Y-insetY)
	for y := rug.Min.Y; y < rug.Max.Y; y++ {
		for x := rug.Min.X; x < rug.Max.X; x++ {
			room.SetNRGBA(x, y, rugTones[(x/2+y/2)%2])
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, room); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type failingArchive struct{ calls int }

func (a *failingArchive) Store(context.Context, string, []byte) (string, error) {
	a.calls++
	return "", errors.New("bucket unavailable")
}

type harness struct {
	svc      *Service
	client   *echoClient
	ledger   *ledger.Ledger
	database *db.Database
	repo     *db.Repository
	history  *metrics.RenderStore
}

func newHarness(t *testing.T, cfg core.RenderPipelineConfig, logger *logging.Logger) *harness {
	t.Helper()
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "render.db"))
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	client := &echoClient{}
	masks := floormask.NewSynthesizerWithRand(floormask.GeometryFromConfig(cfg), rand.New(rand.NewPCG(7, 7)))
	orchestrator := imagegen.NewOrchestrator(client, nil, cfg, "test-model", logger, nil)
	l := ledger.New(database, logger, nil)
	repo := db.NewRepository(database)
	history := metrics.NewRenderStore(10, time.Now())

	svc := NewService(Deps{
		Preparer:  prepcache.New(prepcache.OptionsFromConfig(cfg), masks, logger, nil),
		Generator: orchestrator,
		Scorer:    scoring.NewScorer(cfg, logger, nil),
		Refiner:   refine.NewRefiner(orchestrator, cfg, logger, nil),
		Ledger:    l,
		Attempts:  repo,
		History:   history,
	}, cfg, 20, logger)
	svc.newID = sequentialIDs()

	return &harness{svc: svc, client: client, ledger: l, database: database, repo: repo, history: history}
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("attempt-%d", n)
	}
}

func (h *harness) entries(t *testing.T, userID string) int {
	t.Helper()
	entries, err := h.ledger.Entries(context.Background(), userID, 100)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	return len(entries)
}

func (h *harness) attemptCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := h.database.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM render_attempts`).Scan(&n); err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	return n
}

func photo(t *testing.T, width, height int, tint uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x / 8), G: uint8(y / 8), B: tint, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

// TestRender_PreviewScenario covers a 1536px preview render end to end with
// default settings and a candidate that places a rug.
func TestRender_PreviewScenario(t *testing.T) {
	ctx := context.Background()
	cfg := core.DefaultRenderPipelineConfig()
	h := newHarness(t, cfg, logging.NewNop())
	h.client.rug = true
	_ = h.ledger.EnsureAccount(ctx, "u1", 3)

	result, err := h.svc.Render(ctx, Request{
		UserID:      "u1",
		Mode:        "preview",
		RoomBytes:   photo(t, 1536, 1536, 40),
		CarpetBytes: photo(t, 600, 400, 200),
		CarpetName:  "Heriz",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if len(h.client.requests) != 1 {
		t.Fatalf("upstream calls = %d, want 1", len(h.client.requests))
	}
	req := h.client.requests[0]
	if req.VariantCount != cfg.PreviewVariants || req.Quality != cfg.PreviewQuality {
		t.Errorf("request n=%d quality=%s, want n=%d quality=%s", req.VariantCount, req.Quality, cfg.PreviewVariants, cfg.PreviewQuality)
	}
	if req.Mask == nil {
		t.Fatal("primary request carried no mask")
	}

	room, _, err := image.DecodeConfig(bytes.NewReader(req.Images[0].Data))
	if err != nil {
		t.Fatalf("decode prepared room: %v", err)
	}
	mask, _, err := image.DecodeConfig(bytes.NewReader(req.Mask.Data))
	if err != nil {
		t.Fatalf("decode mask: %v", err)
	}
	if max(room.Width, room.Height) > 1536 {
		t.Errorf("prepared room %dx%d exceeds 1536", room.Width, room.Height)
	}
	if mask.Width != room.Width || mask.Height != room.Height {
		t.Errorf("mask %dx%d != room %dx%d", mask.Width, mask.Height, room.Width, room.Height)
	}

	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 2 {
		t.Errorf("Balance() = %d, want 2", balance)
	}
	if n := h.entries(t, "u1"); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
	attempt, err := h.repo.GetRenderAttempt(ctx, result.AttemptID)
	if err != nil {
		t.Fatalf("GetRenderAttempt() error = %v", err)
	}
	if attempt.Status != db.AttemptSuccess || attempt.CarpetName != "Heriz" {
		t.Errorf("attempt = %s/%s, want success/Heriz", attempt.Status, attempt.CarpetName)
	}
	if result.Usage == nil || result.Usage.Used != 1 || result.Usage.Remaining != 2 {
		t.Errorf("usage = %+v, want used 1 remaining 2", result.Usage)
	}
	if len(result.Image) == 0 {
		t.Error("result carries no image")
	}
	if got := h.history.Summary(1).TotalSuccess; got != 1 {
		t.Errorf("history success = %d, want 1", got)
	}

	m := result.Metrics
	if m == nil || m.Rejected || m.RugAreaRatio > cfg.ShadowMaxRugAreaRatio {
		t.Fatalf("metrics = %+v, want a scored candidate small enough for a shadow pass", m)
	}
	if result.ShadowApplied {
		t.Error("preview render ran a shadow pass")
	}
	if !result.EdgePolished {
		t.Error("preview render skipped edge polish")
	}
}

func TestRender_NormalRunsShadowPass(t *testing.T) {
	ctx := context.Background()
	cfg := core.DefaultRenderPipelineConfig()
	h := newHarness(t, cfg, logging.NewNop())
	h.client.rug = true
	_ = h.ledger.EnsureAccount(ctx, "u1", 3)

	result, err := h.svc.Render(ctx, Request{
		UserID:      "u1",
		Mode:        "normal",
		RoomBytes:   photo(t, 1024, 768, 40),
		CarpetBytes: photo(t, 600, 400, 200),
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if len(h.client.requests) != 2 {
		t.Fatalf("upstream calls = %d, want primary plus shadow", len(h.client.requests))
	}
	primary, shadow := h.client.requests[0], h.client.requests[1]
	if primary.VariantCount != cfg.NormalVariants {
		t.Errorf("primary n = %d, want %d", primary.VariantCount, cfg.NormalVariants)
	}
	if shadow.VariantCount != 1 || shadow.Instruction != imagegen.ShadowInstruction || shadow.Mask == nil {
		t.Errorf("shadow request n=%d masked=%v, want one masked shadow variant", shadow.VariantCount, shadow.Mask != nil)
	}
	if !result.ShadowApplied || !result.EdgePolished {
		t.Errorf("shadow=%v polished=%v, want both applied", result.ShadowApplied, result.EdgePolished)
	}
	if result.Metrics == nil || result.Metrics.Rejected {
		t.Errorf("metrics = %+v, want a scored candidate", result.Metrics)
	}
	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 2 {
		t.Errorf("Balance() = %d, want 2 (one credit for both calls)", balance)
	}

	cfg.ShadowPassEnabled = false
	off := newHarness(t, cfg, logging.NewNop())
	off.client.rug = true
	_ = off.ledger.EnsureAccount(ctx, "u1", 1)
	if _, err := off.svc.Render(ctx, Request{
		UserID: "u1", Mode: "normal",
		RoomBytes: photo(t, 1024, 768, 40), CarpetBytes: photo(t, 600, 400, 200),
	}); err != nil {
		t.Fatalf("Render() with shadow disabled error = %v", err)
	}
	if len(off.client.requests) != 1 {
		t.Errorf("upstream calls with shadow disabled = %d, want 1", len(off.client.requests))
	}
}

// TestRender_ZeroCredit covers the out-of-credit path.
func TestRender_ZeroCredit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, core.DefaultRenderPipelineConfig(), logging.NewNop())
	_ = h.ledger.EnsureAccount(ctx, "broke", 0)

	_, err := h.svc.Render(ctx, Request{
		UserID: "broke", Mode: "preview",
		RoomBytes: photo(t, 64, 64, 1), CarpetBytes: photo(t, 32, 32, 2),
	})
	renderErr, ok := core.AsRenderError(err)
	if !ok || renderErr.Kind != core.KindLimitReached || renderErr.Code != core.CodeLimitReached {
		t.Fatalf("Render() error = %v, want LIMIT_REACHED", err)
	}

	attempt, _ := h.repo.GetRenderAttempt(ctx, "attempt-1")
	if attempt == nil || attempt.Status != db.AttemptFailed || attempt.Error != core.CodeLimitReached {
		t.Errorf("attempt = %+v, want failed LIMIT_REACHED", attempt)
	}
	if n := h.entries(t, "broke"); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	if got := h.history.Recent(1); len(got) != 1 || got[0].Status != metrics.RenderStatusLimitReached {
		t.Errorf("history = %+v", got)
	}
}

func TestRender_UpstreamFailureMarksAttempt(t *testing.T) {
	ctx := context.Background()
	observed, logs := observer.New(zap.ErrorLevel)
	h := newHarness(t, core.DefaultRenderPipelineConfig(), logging.NewFromZap(zap.New(observed)))
	_ = h.ledger.EnsureAccount(ctx, "u1", 5)
	h.client.err = &openai.APIError{
		HTTPStatusCode: 400,
		Message:        "Billing hard limit has been reached. " + strings.Repeat("x", 400),
	}

	_, err := h.svc.Render(ctx, Request{
		UserID: "u1", Mode: "normal",
		RoomBytes: photo(t, 64, 64, 1), CarpetBytes: photo(t, 32, 32, 2),
	})
	renderErr, ok := core.AsRenderError(err)
	if !ok || renderErr.Category != core.UpstreamBilling {
		t.Fatalf("Render() error = %v, want billing upstream error", err)
	}

	attempt, _ := h.repo.GetRenderAttempt(ctx, "attempt-1")
	if attempt.Status != db.AttemptFailed {
		t.Errorf("status = %s, want failed", attempt.Status)
	}
	if len(attempt.Error) > core.MaxAttemptErrorLength {
		t.Errorf("stored error length = %d, want <= %d", len(attempt.Error), core.MaxAttemptErrorLength)
	}
	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 5 {
		t.Errorf("Balance() = %d, want 5 (no charge)", balance)
	}

	failed := logs.FilterMessage("Render failed").All()
	if len(failed) != 1 || failed[0].ContextMap()[logging.KeyAttemptID] != "attempt-1" {
		t.Errorf("failure logs = %v, want one entry with attempt id", failed)
	}
}

func TestRender_ValidationCreatesNoAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, core.DefaultRenderPipelineConfig(), logging.NewNop())
	_ = h.ledger.EnsureAccount(ctx, "u1", 5)

	cases := []struct {
		name string
		req  Request
	}{
		{"missing room", Request{UserID: "u1", CarpetBytes: photo(t, 8, 8, 1)}},
		{"missing carpet", Request{UserID: "u1", RoomBytes: photo(t, 8, 8, 1)}},
		{"unreadable room", Request{UserID: "u1", RoomBytes: []byte("not an image"), CarpetBytes: photo(t, 8, 8, 1)}},
		{"bad mode", Request{UserID: "u1", Mode: "ultra", RoomBytes: photo(t, 8, 8, 1), CarpetBytes: photo(t, 8, 8, 1)}},
		{"no user", Request{RoomBytes: photo(t, 8, 8, 1), CarpetBytes: photo(t, 8, 8, 1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Render(ctx, tc.req)
			renderErr, ok := core.AsRenderError(err)
			if !ok || renderErr.Kind != core.KindValidation {
				t.Errorf("Render() error = %v, want validation error", err)
			}
		})
	}

	if n := h.attemptCount(t); n != 0 {
		t.Errorf("attempts = %d, want 0", n)
	}
	if len(h.client.requests) != 0 {
		t.Errorf("upstream calls = %d, want 0", len(h.client.requests))
	}
}

func TestRender_DetachedFromCaller(t *testing.T) {
	h := newHarness(t, core.DefaultRenderPipelineConfig(), logging.NewNop())
	_ = h.ledger.EnsureAccount(context.Background(), "u1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.svc.Render(ctx, Request{
		UserID: "u1", Mode: "preview",
		RoomBytes: photo(t, 64, 64, 1), CarpetBytes: photo(t, 32, 32, 2),
	}); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if h.client.ctxErrs[0] != nil {
		t.Errorf("upstream saw context error %v", h.client.ctxErrs[0])
	}
	if balance, _ := h.ledger.Balance(context.Background(), "u1"); balance != 0 {
		t.Errorf("Balance() = %d, want 0", balance)
	}
}

func TestRender_MissingAccount(t *testing.T) {
	h := newHarness(t, core.DefaultRenderPipelineConfig(), logging.NewNop())

	_, err := h.svc.Render(context.Background(), Request{
		UserID: "ghost", Mode: "preview",
		RoomBytes: photo(t, 64, 64, 1), CarpetBytes: photo(t, 32, 32, 2),
	})
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("Render() error = %v, want ErrAccountNotFound", err)
	}
	attempt, _ := h.repo.GetRenderAttempt(context.Background(), "attempt-1")
	if attempt.Status != db.AttemptFailed {
		t.Errorf("status = %s, want failed", attempt.Status)
	}
}

func TestRender_ArchiveFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, core.DefaultRenderPipelineConfig(), logging.NewNop())
	archive := &failingArchive{}
	h.svc.deps.Archive = archive
	_ = h.ledger.EnsureAccount(ctx, "u1", 1)

	result, err := h.svc.Render(ctx, Request{
		UserID: "u1", Mode: "preview",
		RoomBytes: photo(t, 64, 64, 1), CarpetBytes: photo(t, 32, 32, 2),
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if archive.calls != 1 || result.ArchiveKey != "" {
		t.Errorf("archive calls = %d key = %q", archive.calls, result.ArchiveKey)
	}
}

type countingScorer struct {
	inner CandidateScorer
	sizes []int
}

func (s *countingScorer) ScoreAll(candidates [][]byte, room, scoreMask []byte) scoring.Selection {
	s.sizes = append(s.sizes, len(candidates))
	return s.inner.ScoreAll(candidates, room, scoreMask)
}

func TestCompose_ScoringFlags(t *testing.T) {
	cases := []struct {
		name       string
		scoring    bool
		shadow     bool
		wantSizes  []int
		wantMetric bool
	}{
		{"scoring on", true, false, []int{2}, true},
		{"shadow only measures first", false, true, []int{1}, true},
		{"all off", false, false, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := core.DefaultRenderPipelineConfig()
			cfg.CandidateScoringEnabled = tc.scoring
			cfg.ShadowPassEnabled = tc.shadow
			cfg.EdgePolishEnabled = false
			h := newHarness(t, cfg, logging.NewNop())
			scorer := &countingScorer{inner: h.svc.deps.Scorer}
			h.svc.deps.Scorer = scorer

			inputs, err := h.svc.Prepare(photo(t, 64, 64, 1), photo(t, 32, 32, 2))
			if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			comp, err := h.svc.Compose(context.Background(), imagegen.ModeNormal, inputs)
			if err != nil {
				t.Fatalf("Compose() error = %v", err)
			}

			if fmt.Sprint(scorer.sizes) != fmt.Sprint(tc.wantSizes) {
				t.Errorf("ScoreAll sizes = %v, want %v", scorer.sizes, tc.wantSizes)
			}
			if (comp.Metrics != nil) != tc.wantMetric {
				t.Errorf("Metrics = %v, want present=%v", comp.Metrics, tc.wantMetric)
			}
			if comp.Candidates != 2 || comp.Selected != 0 {
				t.Errorf("candidates=%d selected=%d, want 2/0", comp.Candidates, comp.Selected)
			}
			if len(h.client.requests) != 1 {
				t.Errorf("upstream calls = %d, want 1 (rejected candidates skip the shadow pass)", len(h.client.requests))
			}
		})
	}
}
