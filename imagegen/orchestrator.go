package imagegen

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rugcomposer/core"
	"rugcomposer/logging"
)

// Call kinds reported to CallRecorder.
const (
	CallPrimary  = "primary"
	CallFallback = "mask_fallback"
	CallShadow   = "shadow"
)

// Call outcomes reported to CallRecorder.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// CallRecorder observes upstream calls.
type CallRecorder interface {
	RecordUpstreamCall(kind, outcome string)
	RecordMaskFallback()
}

// Candidate is one image returned for a request, in response order.
type Candidate struct {
	Index int
	Bytes []byte
}

// RenderInput is a primary placement request.
type RenderInput struct {
	Room         []byte
	Carpet       []byte
	Mask         []byte // optional API mask
	Mode         Mode
	VariantCount int // zero takes the mode's configured count
}

// EditSpec is a fully specified edit, used for both primary and shadow calls.
type EditSpec struct {
	Kind         string
	Room         []byte
	Carpet       []byte
	Mask         []byte
	Instruction  string
	Quality      string
	VariantCount int
}

// Result carries the candidates and how they were obtained.
type Result struct {
	Candidates   []Candidate
	FallbackUsed bool
	Calls        int
}

// Orchestrator builds edit requests, enforces the per-call timeout and runs
// the one-shot mask fallback.
type Orchestrator struct {
	client   EditClient
	fetcher  URLFetcher
	cfg      core.RenderPipelineConfig
	model    string
	logger   *logging.Logger
	recorder CallRecorder
}

// NewOrchestrator wires an Orchestrator. recorder may be nil.
func NewOrchestrator(client EditClient, fetcher URLFetcher, cfg core.RenderPipelineConfig, model string, logger *logging.Logger, recorder CallRecorder) *Orchestrator {
	return &Orchestrator{
		client:   client,
		fetcher:  fetcher,
		cfg:      cfg,
		model:    model,
		logger:   logger.Named("orchestrator"),
		recorder: recorder,
	}
}

// Render requests placements of the carpet into the room for in.Mode.
func (o *Orchestrator) Render(ctx context.Context, in RenderInput) (*Result, error) {
	variants := in.VariantCount
	if variants <= 0 {
		variants = in.Mode.VariantCount(o.cfg)
	}
	return o.Edit(ctx, EditSpec{
		Kind:         CallPrimary,
		Room:         in.Room,
		Carpet:       in.Carpet,
		Mask:         in.Mask,
		Instruction:  in.Mode.Instruction(),
		Quality:      in.Mode.Quality(o.cfg),
		VariantCount: variants,
	})
}

// Edit sends spec. When the service rejects the mask, it retries exactly once
// without the mask and with a single variant. Every other failure is
// returned as the service reported it.
func (o *Orchestrator) Edit(ctx context.Context, spec EditSpec) (*Result, error) {
	req := EditRequest{
		Model:        o.model,
		Images:       []ImageFile{NewImageFile("room", spec.Room), NewImageFile("carpet", spec.Carpet)},
		Instruction:  spec.Instruction,
		VariantCount: max(spec.VariantCount, 1),
		OutputSize:   o.cfg.OutputSize,
		Quality:      spec.Quality,
	}
	if len(spec.Mask) > 0 {
		mask := NewImageFile("mask", spec.Mask)
		req.Mask = &mask
	}

	result := &Result{}
	candidates, err := o.call(ctx, spec.Kind, req)
	result.Calls++
	if err != nil {
		if req.Mask == nil || !IsMaskRejection(err) {
			return nil, err
		}

		o.logger.Warn("Edit service rejected the mask, retrying without it",
			zap.String("kind", spec.Kind),
			zap.Error(err),
		)
		if o.recorder != nil {
			o.recorder.RecordMaskFallback()
		}

		req.Mask = nil
		req.VariantCount = 1
		candidates, err = o.call(ctx, CallFallback, req)
		result.Calls++
		if err != nil {
			return nil, err
		}
		result.FallbackUsed = true
	}

	result.Candidates = candidates
	return result, nil
}

// call performs one bounded edit call and resolves URL candidates within
// the same deadline.
func (o *Orchestrator) call(ctx context.Context, kind string, req EditRequest) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	candidates, err := o.callOnce(ctx, req)

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	if o.recorder != nil {
		o.recorder.RecordUpstreamCall(kind, outcome)
	}

	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("quality", req.Quality),
		zap.Int("variants", req.VariantCount),
		zap.Bool("masked", req.Mask != nil),
		logging.Elapsed(start),
	}
	if err != nil {
		o.logger.Warn("Edit call failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	o.logger.Info("Edit call succeeded", append(fields, zap.Int("candidates", len(candidates)))...)
	return candidates, nil
}

func (o *Orchestrator) callOnce(ctx context.Context, req EditRequest) ([]Candidate, error) {
	outputs, err := o.client.Edit(ctx, req)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(outputs))
	for i, out := range outputs {
		data := out.Data
		if len(data) == 0 {
			if o.fetcher == nil {
				return nil, fmt.Errorf("imagegen: candidate %d returned by URL but no fetcher is configured", i)
			}
			data, _, err = o.fetcher.DownloadBytes(ctx, out.URL)
			if err != nil {
				return nil, err
			}
		}
		candidates = append(candidates, Candidate{Index: i, Bytes: data})
	}
	return candidates, nil
}
