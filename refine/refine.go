// Package refine post-processes the selected candidate.
//
// Two stages run in order, each behind its own flag: a shadow pass that asks
// the edit service for a soft contact shadow, and a local edge polish that
// softens the seam between changed and unchanged pixels. Neither stage can
// fail a render; on error the previous image is kept. Preview renders never
// get a shadow pass, so they cost exactly one upstream call.
package refine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rugcomposer/core"
	"rugcomposer/imagegen"
	"rugcomposer/logging"
	"rugcomposer/vision"
)

// Stage names reported to Recorder.
const (
	StageShadow = "shadow"
	StagePolish = "edge_polish"
)

// Stage outcomes reported to Recorder.
const (
	OutcomeApplied = "applied"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Editor issues a single edit call. *imagegen.Orchestrator satisfies it.
type Editor interface {
	Edit(ctx context.Context, spec imagegen.EditSpec) (*imagegen.Result, error)
}

// Recorder observes refinement outcomes.
type Recorder interface {
	RecordRefinement(stage, outcome string)
}

// Input is the selected candidate plus the context it was produced in.
type Input struct {
	Candidate    []byte
	Room         []byte // prepared room
	APIMask      []byte
	ScoreMask    []byte
	Carpet       []byte
	Quality      string
	Mode         imagegen.Mode
	RugAreaRatio float64
}

// Output is the refined image and which stages changed it.
type Output struct {
	Image         []byte
	ShadowApplied bool
	EdgePolished  bool
}

// Refiner runs the refinement stages.
type Refiner struct {
	editor   Editor
	cfg      core.RenderPipelineConfig
	logger   *logging.Logger
	recorder Recorder
}

// NewRefiner creates a Refiner. recorder may be nil.
func NewRefiner(editor Editor, cfg core.RenderPipelineConfig, logger *logging.Logger, recorder Recorder) *Refiner {
	return &Refiner{
		editor:   editor,
		cfg:      cfg,
		logger:   logger.Named("refine"),
		recorder: recorder,
	}
}

// Refine runs the enabled stages on in.Candidate.
func (r *Refiner) Refine(ctx context.Context, in Input) *Output {
	out := &Output{Image: in.Candidate}

	switch {
	case !r.cfg.ShadowPassEnabled:
	case in.Mode == imagegen.ModePreview:
		r.record(StageShadow, OutcomeSkipped)
	case in.RugAreaRatio > r.cfg.ShadowMaxRugAreaRatio:
		r.logger.Debug("Shadow pass skipped",
			zap.Float64("rug_area_ratio", in.RugAreaRatio),
			zap.Float64("max_ratio", r.cfg.ShadowMaxRugAreaRatio),
		)
		r.record(StageShadow, OutcomeSkipped)
	default:
		shadowed, err := r.ShadowPass(ctx, out.Image, in.APIMask, in.Carpet, in.Quality)
		if err != nil {
			r.logger.Warn("Shadow pass failed, keeping previous image", zap.Error(err))
			r.record(StageShadow, OutcomeFailed)
			break
		}
		out.Image = shadowed
		out.ShadowApplied = true
		r.record(StageShadow, OutcomeApplied)
	}

	if r.cfg.EdgePolishEnabled {
		polished, edges, err := EdgePolish(out.Image, in.Room, in.ScoreMask, r.cfg.ChangeThreshold)
		switch {
		case err != nil:
			r.logger.Warn("Edge polish failed, keeping previous image", zap.Error(err))
			r.record(StagePolish, OutcomeFailed)
		case edges == 0:
			r.record(StagePolish, OutcomeSkipped)
		default:
			r.logger.Debug("Edge polish applied", zap.Int("edge_pixels", edges))
			out.Image = polished
			out.EdgePolished = true
			r.record(StagePolish, OutcomeApplied)
		}
	}

	return out
}

// ShadowPass sends candidate back to the edit service as the room, with the
// API mask fitted to the candidate's dimensions, asking for one variant
// with a contact shadow added.
func (r *Refiner) ShadowPass(ctx context.Context, candidate, apiMask, carpet []byte, quality string) ([]byte, error) {
	img, err := vision.DecodeImage(candidate)
	if err != nil {
		return nil, fmt.Errorf("refine: decode candidate: %w", err)
	}
	room, err := vision.EncodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("refine: encode candidate: %w", err)
	}

	var mask []byte
	if len(apiMask) > 0 {
		maskImg, err := vision.DecodeImage(apiMask)
		if err != nil {
			return nil, fmt.Errorf("refine: decode mask: %w", err)
		}
		b := img.Bounds()
		mask, err = vision.EncodePNG(vision.ResizeIfNeeded(maskImg, b.Dx(), b.Dy()))
		if err != nil {
			return nil, fmt.Errorf("refine: encode mask: %w", err)
		}
	}

	result, err := r.editor.Edit(ctx, imagegen.EditSpec{
		Kind:         imagegen.CallShadow,
		Room:         room,
		Carpet:       carpet,
		Mask:         mask,
		Instruction:  imagegen.ShadowInstruction,
		Quality:      quality,
		VariantCount: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Candidates) == 0 {
		return nil, imagegen.ErrNoCandidates
	}
	return result.Candidates[0].Bytes, nil
}

func (r *Refiner) record(stage, outcome string) {
	if r.recorder != nil {
		r.recorder.RecordRefinement(stage, outcome)
	}
}
