package core

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RenderPipelineConfig holds every tunable of the render pipeline: floor mask
// geometry, candidate scoring thresholds, preparation sizes and upstream
// request shaping. Values load from defaults, then an optional YAML overlay,
// then environment variables.
type RenderPipelineConfig struct {
	// Floor rectangle geometry, as fractions of the image dimensions.
	FloorTopMinRatio       float64 `yaml:"floor_top_min_ratio"`
	FloorTopMaxRatio       float64 `yaml:"floor_top_max_ratio"`
	FloorWidthMinRatio     float64 `yaml:"floor_width_min_ratio"`
	FloorWidthMaxRatio     float64 `yaml:"floor_width_max_ratio"`
	FloorBottomMarginRatio float64 `yaml:"floor_bottom_margin_ratio"`

	// BlendDepthPx is the width of the soft band along the rectangle's inner edges.
	BlendDepthPx int `yaml:"blend_depth_px"`
	// InnerEditAlpha is the edit-mask alpha deeper than the blend band.
	InnerEditAlpha uint8 `yaml:"inner_edit_alpha"`

	// Scoring thresholds.
	ChangeThreshold       float64 `yaml:"change_threshold"`
	EdgeContrastThreshold float64 `yaml:"edge_contrast_threshold"`
	MaxWidthRatio         float64 `yaml:"max_width_ratio"`
	MaxHeightRatio        float64 `yaml:"max_height_ratio"`
	FrameMarginRatio      float64 `yaml:"frame_margin_ratio"`

	// Preparation.
	CacheCapacity int `yaml:"cache_capacity"`
	RoomMaxDim    int `yaml:"room_max_dim"`
	CarpetMaxDim  int `yaml:"carpet_max_dim"`
	JPEGQuality   int `yaml:"jpeg_quality"`

	// Upstream request shaping.
	PreviewQuality  string        `yaml:"preview_quality"`
	NormalQuality   string        `yaml:"normal_quality"`
	PreviewVariants int           `yaml:"preview_variants"`
	NormalVariants  int           `yaml:"normal_variants"`
	OutputSize      string        `yaml:"output_size"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// Stage switches.
	CandidateScoringEnabled bool    `yaml:"candidate_scoring_enabled"`
	ShadowPassEnabled       bool    `yaml:"shadow_pass_enabled"`
	EdgePolishEnabled       bool    `yaml:"edge_polish_enabled"`
	ShadowMaxRugAreaRatio   float64 `yaml:"shadow_max_rug_area_ratio"`
}

// DefaultRenderPipelineConfig returns the production pipeline tuning.
func DefaultRenderPipelineConfig() RenderPipelineConfig {
	return RenderPipelineConfig{
		FloorTopMinRatio:       0.52,
		FloorTopMaxRatio:       0.60,
		FloorWidthMinRatio:     0.62,
		FloorWidthMaxRatio:     0.78,
		FloorBottomMarginRatio: 0.04,
		BlendDepthPx:           14,
		InnerEditAlpha:         0,

		ChangeThreshold:       18,
		EdgeContrastThreshold: 0.5,
		MaxWidthRatio:         0.90,
		MaxHeightRatio:        0.85,
		FrameMarginRatio:      0.02,

		CacheCapacity: 50,
		RoomMaxDim:    1536,
		CarpetMaxDim:  1024,
		JPEGQuality:   90,

		PreviewQuality:  "low",
		NormalQuality:   "high",
		PreviewVariants: 1,
		NormalVariants:  2,
		OutputSize:      "1024x1024",
		UpstreamTimeout: 120 * time.Second,

		CandidateScoringEnabled: true,
		ShadowPassEnabled:       true,
		EdgePolishEnabled:       true,
		ShadowMaxRugAreaRatio:   0.6,
	}
}

// LoadPipelineOverlay reads a YAML file on top of cfg. Keys absent from the
// file keep their current value.
func LoadPipelineOverlay(cfg *RenderPipelineConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("core: read pipeline overlay %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("core: parse pipeline overlay %q: %w", path, err)
	}
	return nil
}

// applyPipelineEnv lets individual environment variables win over the
// defaults and the YAML overlay.
func applyPipelineEnv(cfg *RenderPipelineConfig) {
	overrideFloat(&cfg.FloorTopMinRatio, "FLOOR_TOP_MIN_RATIO")
	overrideFloat(&cfg.FloorTopMaxRatio, "FLOOR_TOP_MAX_RATIO")
	overrideFloat(&cfg.FloorWidthMinRatio, "FLOOR_WIDTH_MIN_RATIO")
	overrideFloat(&cfg.FloorWidthMaxRatio, "FLOOR_WIDTH_MAX_RATIO")
	overrideFloat(&cfg.FloorBottomMarginRatio, "FLOOR_BOTTOM_MARGIN_RATIO")
	overrideInt(&cfg.BlendDepthPx, "MASK_BLEND_DEPTH_PX")

	innerAlpha := int(cfg.InnerEditAlpha)
	overrideInt(&innerAlpha, "MASK_INNER_EDIT_ALPHA")
	if innerAlpha >= 0 && innerAlpha <= 255 {
		cfg.InnerEditAlpha = uint8(innerAlpha)
	}

	overrideFloat(&cfg.ChangeThreshold, "SCORE_CHANGE_THRESHOLD")
	overrideFloat(&cfg.EdgeContrastThreshold, "SCORE_EDGE_CONTRAST_THRESHOLD")
	overrideFloat(&cfg.MaxWidthRatio, "SCORE_MAX_WIDTH_RATIO")
	overrideFloat(&cfg.MaxHeightRatio, "SCORE_MAX_HEIGHT_RATIO")
	overrideFloat(&cfg.FrameMarginRatio, "SCORE_FRAME_MARGIN_RATIO")

	overrideInt(&cfg.CacheCapacity, "PREP_CACHE_CAPACITY")
	overrideInt(&cfg.RoomMaxDim, "ROOM_MAX_DIM")
	overrideInt(&cfg.CarpetMaxDim, "CARPET_MAX_DIM")
	overrideInt(&cfg.JPEGQuality, "ROOM_JPEG_QUALITY")

	overrideString(&cfg.PreviewQuality, "PREVIEW_QUALITY")
	overrideString(&cfg.NormalQuality, "NORMAL_QUALITY")
	overrideInt(&cfg.PreviewVariants, "PREVIEW_VARIANTS")
	overrideInt(&cfg.NormalVariants, "NORMAL_VARIANTS")
	overrideString(&cfg.OutputSize, "RENDER_OUTPUT_SIZE")
	overrideSeconds(&cfg.UpstreamTimeout, "UPSTREAM_TIMEOUT")

	overrideBool(&cfg.CandidateScoringEnabled, "CANDIDATE_SCORING_ENABLED")
	overrideBool(&cfg.ShadowPassEnabled, "SHADOW_PASS_ENABLED")
	overrideBool(&cfg.EdgePolishEnabled, "EDGE_POLISH_ENABLED")
	overrideFloat(&cfg.ShadowMaxRugAreaRatio, "SHADOW_MAX_RUG_AREA_RATIO")
}

// Validate reports every inconsistent setting as one joined error.
func (c RenderPipelineConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.FloorTopMinRatio > 0 && c.FloorTopMinRatio <= c.FloorTopMaxRatio && c.FloorTopMaxRatio < 1,
		"floor top ratios must satisfy 0 < min <= max < 1, got %.2f..%.2f", c.FloorTopMinRatio, c.FloorTopMaxRatio)
	check(c.FloorWidthMinRatio > 0 && c.FloorWidthMinRatio <= c.FloorWidthMaxRatio && c.FloorWidthMaxRatio <= 1,
		"floor width ratios must satisfy 0 < min <= max <= 1, got %.2f..%.2f", c.FloorWidthMinRatio, c.FloorWidthMaxRatio)
	check(c.FloorBottomMarginRatio >= 0 && c.FloorBottomMarginRatio < 0.4,
		"floor bottom margin ratio must be in [0, 0.4), got %.2f", c.FloorBottomMarginRatio)
	check(c.BlendDepthPx > 0, "blend depth must be positive, got %d", c.BlendDepthPx)
	check(c.ChangeThreshold >= 0 && c.ChangeThreshold < 255, "change threshold must be in [0, 255), got %.1f", c.ChangeThreshold)
	check(c.MaxWidthRatio > 0 && c.MaxWidthRatio <= 1, "max width ratio must be in (0, 1], got %.2f", c.MaxWidthRatio)
	check(c.MaxHeightRatio > 0 && c.MaxHeightRatio <= 1, "max height ratio must be in (0, 1], got %.2f", c.MaxHeightRatio)
	check(c.CacheCapacity > 0, "cache capacity must be positive, got %d", c.CacheCapacity)
	check(c.RoomMaxDim > 0 && c.CarpetMaxDim > 0, "max dimensions must be positive, got room=%d carpet=%d", c.RoomMaxDim, c.CarpetMaxDim)
	check(c.JPEGQuality >= 1 && c.JPEGQuality <= 100, "jpeg quality must be in [1, 100], got %d", c.JPEGQuality)
	check(c.PreviewVariants >= 1 && c.NormalVariants >= 1, "variant counts must be at least 1, got preview=%d normal=%d", c.PreviewVariants, c.NormalVariants)
	check(c.PreviewVariants <= 10 && c.NormalVariants <= 10, "variant counts must be at most 10, got preview=%d normal=%d", c.PreviewVariants, c.NormalVariants)
	check(c.UpstreamTimeout > 0, "upstream timeout must be positive, got %s", c.UpstreamTimeout)
	check(c.OutputSize != "", "output size must be set")

	if len(errs) > 0 {
		return fmt.Errorf("core: invalid render pipeline config: %w", errors.Join(errs...))
	}
	return nil
}
