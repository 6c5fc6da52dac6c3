// Package render runs one rug placement end to end: preparation, the
// upstream edit, candidate scoring, refinement and credit settlement.
//
// A render is synchronous. Render detaches from the caller's context, so a
// client that disconnects mid-request still has its attempt finalized and,
// on success, charged.
package render

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rugcomposer/core"
	"rugcomposer/db"
	"rugcomposer/imagegen"
	"rugcomposer/ledger"
	"rugcomposer/logging"
	"rugcomposer/metrics"
	"rugcomposer/prepcache"
	"rugcomposer/refine"
	"rugcomposer/scoring"
)

// CreditPerRender is charged for every successful render.
const CreditPerRender = 1

// Preparer normalizes uploads and synthesizes masks.
type Preparer interface {
	Prepare(roomBytes []byte) (*prepcache.PreparedRoomImage, error)
	PrepareCarpet(carpetBytes []byte) (*prepcache.PreparedCarpetImage, error)
}

// Generator calls the image edit service.
type Generator interface {
	Render(ctx context.Context, in imagegen.RenderInput) (*imagegen.Result, error)
}

// CandidateScorer scores candidates and selects one.
type CandidateScorer interface {
	ScoreAll(candidates [][]byte, room, scoreMask []byte) scoring.Selection
}

// Refiner post-processes the selected candidate.
type Refiner interface {
	Refine(ctx context.Context, in refine.Input) *refine.Output
}

// Ledger settles credit for finished renders.
type Ledger interface {
	SettleRender(ctx context.Context, userID, attemptID string, amount int) (ledger.ConsumeResult, error)
	UsageSnapshot(ctx context.Context, userID string, dailyLimitHint int) (ledger.UsageSnapshot, error)
}

// Attempts persists render attempts.
type Attempts interface {
	CreateRenderAttempt(ctx context.Context, attempt db.RenderAttempt) error
	MarkRenderAttemptFailed(ctx context.Context, id, message string) error
}

// Archiver stores final composites.
type Archiver interface {
	Store(ctx context.Context, attemptID string, png []byte) (string, error)
}

// Recorder observes finished renders.
type Recorder interface {
	ObserveRender(mode, status string, elapsed time.Duration)
}

// Deps are the collaborators a Service runs on. Archive, Recorder and
// History may be nil.
type Deps struct {
	Preparer  Preparer
	Generator Generator
	Scorer    CandidateScorer
	Refiner   Refiner
	Ledger    Ledger
	Attempts  Attempts
	Archive   Archiver
	Recorder  Recorder
	History   *metrics.RenderStore
}

// Request is one render call as received from the caller.
type Request struct {
	UserID       string
	Mode         string
	RoomBytes    []byte
	CarpetBytes  []byte
	CarpetName   string
	CustomerNote string
}

// Result is a settled render.
type Result struct {
	AttemptID     string
	Mode          imagegen.Mode
	Image         []byte
	Metrics       *scoring.Metrics // nil when no candidate was scored
	ShadowApplied bool
	EdgePolished  bool
	FallbackUsed  bool
	ArchiveKey    string
	Usage         *ledger.UsageSnapshot // nil when the snapshot could not be read
}

// Composite is the ledger-free output of the generation stages.
type Composite struct {
	Image         []byte
	Metrics       *scoring.Metrics
	Candidates    int
	Selected      int
	ShadowApplied bool
	EdgePolished  bool
	FallbackUsed  bool
	Calls         int
}

// Inputs are prepared uploads.
type Inputs struct {
	Room   *prepcache.PreparedRoomImage
	Carpet *prepcache.PreparedCarpetImage
}

// Service runs renders.
type Service struct {
	deps           Deps
	cfg            core.RenderPipelineConfig
	dailyLimitHint int
	logger         *logging.Logger
	newID          func() string
	now            func() time.Time
}

// NewService wires a Service.
func NewService(deps Deps, cfg core.RenderPipelineConfig, dailyLimitHint int, logger *logging.Logger) *Service {
	return &Service{
		deps:           deps,
		cfg:            cfg,
		dailyLimitHint: dailyLimitHint,
		logger:         logger.Named("render"),
		newID:          uuid.NewString,
		now:            time.Now,
	}
}

// Render validates, generates, settles and archives one render.
func (s *Service) Render(ctx context.Context, req Request) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	start := s.now()

	if req.UserID == "" {
		return nil, core.NewValidationError("user id is required")
	}
	mode, err := imagegen.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	inputs, err := s.Prepare(req.RoomBytes, req.CarpetBytes)
	if err != nil {
		return nil, err
	}

	attemptID := s.newID()
	logger := s.logger.With(logging.AttemptID(attemptID), logging.UserID(req.UserID), logging.Mode(string(mode)))

	err = s.deps.Attempts.CreateRenderAttempt(ctx, db.RenderAttempt{
		ID:           attemptID,
		UserID:       req.UserID,
		Mode:         string(mode),
		CarpetName:   req.CarpetName,
		CustomerNote: req.CustomerNote,
	})
	if err != nil {
		logger.Error("Failed to create render attempt", zap.Error(err))
		return nil, core.NewInternalError("failed to record render attempt", err)
	}
	logger.Info("Render started",
		zap.Int("room_width", inputs.Room.Width),
		zap.Int("room_height", inputs.Room.Height),
		zap.String("carpet_name", req.CarpetName),
	)

	comp, err := s.Compose(ctx, mode, inputs)
	if err != nil {
		renderErr := imagegen.ClassifyError(err)
		s.fail(ctx, logger, attemptID, renderErr)
		s.finish(attemptID, mode, metrics.RenderStatusFailed, start, false)
		return nil, renderErr
	}

	settled, err := s.deps.Ledger.SettleRender(ctx, req.UserID, attemptID, CreditPerRender)
	if err != nil {
		var out error = core.NewInternalError("failed to settle render credit", err)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			out = err
		}
		s.fail(ctx, logger, attemptID, out)
		s.finish(attemptID, mode, metrics.RenderStatusFailed, start, comp.FallbackUsed)
		return nil, out
	}
	if !settled.Allowed {
		logger.Info("Render refused, usage limit reached", zap.Int("balance", settled.NewBalance))
		s.finish(attemptID, mode, metrics.RenderStatusLimitReached, start, comp.FallbackUsed)
		return nil, core.NewLimitReachedError()
	}

	result := &Result{
		AttemptID:     attemptID,
		Mode:          mode,
		Image:         comp.Image,
		Metrics:       comp.Metrics,
		ShadowApplied: comp.ShadowApplied,
		EdgePolished:  comp.EdgePolished,
		FallbackUsed:  comp.FallbackUsed,
	}

	if s.deps.Archive != nil {
		if key, err := s.deps.Archive.Store(ctx, attemptID, comp.Image); err == nil {
			result.ArchiveKey = key
		}
	}

	if usage, err := s.deps.Ledger.UsageSnapshot(ctx, req.UserID, s.dailyLimitHint); err != nil {
		logger.Warn("Failed to read usage snapshot", zap.Error(err))
	} else {
		result.Usage = &usage
	}

	s.finish(attemptID, mode, metrics.RenderStatusSuccess, start, comp.FallbackUsed)
	logger.Info("Render completed",
		zap.Int("candidates", comp.Candidates),
		zap.Int("selected", comp.Selected),
		zap.Bool("fallback_used", comp.FallbackUsed),
		zap.Bool("shadow_applied", comp.ShadowApplied),
		zap.Bool("edge_polished", comp.EdgePolished),
		zap.Int("balance", settled.NewBalance),
		logging.Elapsed(start),
	)
	return result, nil
}

// Prepare validates and normalizes both uploads. Failures are validation
// errors and happen before any attempt exists.
func (s *Service) Prepare(roomBytes, carpetBytes []byte) (*Inputs, error) {
	if len(roomBytes) == 0 {
		return nil, core.NewValidationError("room image is required")
	}
	if len(carpetBytes) == 0 {
		return nil, core.NewValidationError("carpet image is required")
	}
	room, err := s.deps.Preparer.Prepare(roomBytes)
	if err != nil {
		return nil, err
	}
	carpet, err := s.deps.Preparer.PrepareCarpet(carpetBytes)
	if err != nil {
		return nil, err
	}
	return &Inputs{Room: room, Carpet: carpet}, nil
}

// Compose runs generation, scoring and refinement without touching the
// ledger or the attempt store.
func (s *Service) Compose(ctx context.Context, mode imagegen.Mode, in *Inputs) (*Composite, error) {
	generated, err := s.deps.Generator.Render(ctx, imagegen.RenderInput{
		Room:   in.Room.NormalizedBytes,
		Carpet: in.Carpet.NormalizedBytes,
		Mask:   in.Room.APIMaskBytes,
		Mode:   mode,
	})
	if err != nil {
		return nil, err
	}
	if len(generated.Candidates) == 0 {
		return nil, imagegen.ErrNoCandidates
	}

	comp := &Composite{
		Candidates:   len(generated.Candidates),
		FallbackUsed: generated.FallbackUsed,
		Calls:        generated.Calls,
	}

	candidates := make([][]byte, len(generated.Candidates))
	for i, c := range generated.Candidates {
		candidates[i] = c.Bytes
	}

	// Refinement gates on rug area, so a lone candidate is still measured
	// when a shadow pass could run.
	switch {
	case s.cfg.CandidateScoringEnabled:
		sel := s.deps.Scorer.ScoreAll(candidates, in.Room.NormalizedBytes, in.Room.ScoreMaskBytes)
		comp.Selected = sel.Index
		comp.Metrics = &sel.Metrics
	case s.cfg.ShadowPassEnabled && mode != imagegen.ModePreview:
		sel := s.deps.Scorer.ScoreAll(candidates[:1], in.Room.NormalizedBytes, in.Room.ScoreMaskBytes)
		comp.Metrics = &sel.Metrics
	}
	chosen := candidates[comp.Selected]

	rugArea := 1.0
	if comp.Metrics != nil {
		rugArea = comp.Metrics.RugAreaRatio
	}
	refined := s.deps.Refiner.Refine(ctx, refine.Input{
		Candidate:    chosen,
		Room:         in.Room.NormalizedBytes,
		APIMask:      in.Room.APIMaskBytes,
		ScoreMask:    in.Room.ScoreMaskBytes,
		Carpet:       in.Carpet.NormalizedBytes,
		Quality:      mode.Quality(s.cfg),
		Mode:         mode,
		RugAreaRatio: rugArea,
	})
	comp.Image = refined.Image
	comp.ShadowApplied = refined.ShadowApplied
	comp.EdgePolished = refined.EdgePolished
	return comp, nil
}

// fail marks the attempt failed with a truncated message and logs err.
func (s *Service) fail(ctx context.Context, logger *logging.Logger, attemptID string, err error) {
	logger.Error("Render failed", zap.Error(err))
	msg := core.TruncateMessage(err.Error(), core.MaxAttemptErrorLength)
	if markErr := s.deps.Attempts.MarkRenderAttemptFailed(ctx, attemptID, msg); markErr != nil {
		logger.Error("Failed to mark render attempt failed", zap.Error(markErr))
	}
}

func (s *Service) finish(attemptID string, mode imagegen.Mode, status string, start time.Time, fallback bool) {
	elapsed := s.now().Sub(start)
	if s.deps.Recorder != nil {
		s.deps.Recorder.ObserveRender(string(mode), status, elapsed)
	}
	s.deps.History.Record(metrics.RenderRecord{
		AttemptID:    attemptID,
		Mode:         string(mode),
		Status:       status,
		Duration:     elapsed,
		FallbackUsed: fallback,
		Finished:     s.now(),
	})
}
