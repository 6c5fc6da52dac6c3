package imagegen

import (
	"fmt"
	"strings"

	"rugcomposer/core"
)

// Mode selects the instruction template, quality tier and variant count.
type Mode string

const (
	ModePreview Mode = "preview"
	ModeNormal  Mode = "normal"
)

const previewInstruction = "Remove any existing rug from the room.\n" +
	"Place the provided rug image on the floor in a natural position.\n" +
	"Keep perspective approximate.\n" +
	"Low detail, basic realism.\n" +
	"Fast render, no refinement."

const normalInstruction = "Remove any existing rug from the room.\n" +
	"Place the provided rug image naturally on the floor, centered in the seating area.\n" +
	"Match the rug perspective to the room.\n" +
	"Blend lighting and color realistically.\n" +
	"Preserve furniture positions and room structure.\n" +
	"Photorealistic result."

// ShadowInstruction drives the optional contact-shadow pass.
const ShadowInstruction = "Add a soft, realistic contact shadow where the rug meets the floor.\n" +
	"Do not alter the rug geometry, pattern, colors or position.\n" +
	"Keep the rest of the room unchanged."

// ParseMode accepts "preview" or "normal" in any case. An empty string
// selects normal.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePreview:
		return ModePreview, nil
	case ModeNormal, "":
		return ModeNormal, nil
	default:
		return "", core.NewValidationError(fmt.Sprintf("mode must be %q or %q", ModePreview, ModeNormal))
	}
}

// Instruction returns the mode's prompt text.
func (m Mode) Instruction() string {
	if m == ModePreview {
		return previewInstruction
	}
	return normalInstruction
}

// Quality returns the configured quality tier for the mode.
func (m Mode) Quality(cfg core.RenderPipelineConfig) string {
	if m == ModePreview {
		return cfg.PreviewQuality
	}
	return cfg.NormalQuality
}

// VariantCount returns the configured candidate count for the mode.
func (m Mode) VariantCount(cfg core.RenderPipelineConfig) int {
	if m == ModePreview {
		return cfg.PreviewVariants
	}
	return cfg.NormalVariants
}
