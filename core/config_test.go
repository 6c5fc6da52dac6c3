package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultRenderPipelineConfig_Validates tests that the shipped tuning is self-consistent.
func TestDefaultRenderPipelineConfig_Validates(t *testing.T) {
	cfg := DefaultRenderPipelineConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultRenderPipelineConfig().Validate() = %v, want nil", err)
	}
	if cfg.BlendDepthPx != 14 {
		t.Errorf("BlendDepthPx = %d, want 14", cfg.BlendDepthPx)
	}
	if cfg.CacheCapacity != 50 {
		t.Errorf("CacheCapacity = %d, want 50", cfg.CacheCapacity)
	}
	if cfg.UpstreamTimeout != 120*time.Second {
		t.Errorf("UpstreamTimeout = %v, want 120s", cfg.UpstreamTimeout)
	}
}

func TestRenderPipelineConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RenderPipelineConfig)
	}{
		{"inverted top ratios", func(c *RenderPipelineConfig) { c.FloorTopMinRatio, c.FloorTopMaxRatio = 0.7, 0.5 }},
		{"zero blend depth", func(c *RenderPipelineConfig) { c.BlendDepthPx = 0 }},
		{"zero cache capacity", func(c *RenderPipelineConfig) { c.CacheCapacity = 0 }},
		{"jpeg quality out of range", func(c *RenderPipelineConfig) { c.JPEGQuality = 101 }},
		{"no variants", func(c *RenderPipelineConfig) { c.NormalVariants = 0 }},
		{"too many variants", func(c *RenderPipelineConfig) { c.PreviewVariants = 11 }},
		{"missing output size", func(c *RenderPipelineConfig) { c.OutputSize = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRenderPipelineConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

// TestLoadConfig_OverlayThenEnv tests that env vars win over the YAML overlay,
// which wins over defaults.
func TestLoadConfig_OverlayThenEnv(t *testing.T) {
	dir := t.TempDir()
	overlay := filepath.Join(dir, "pipeline.yaml")
	content := "blend_depth_px: 20\nnormal_variants: 3\nupstream_timeout: 45s\nshadow_pass_enabled: false\n"
	if err := os.WriteFile(overlay, []byte(content), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	t.Setenv("PIPELINE_CONFIG_FILE", overlay)
	t.Setenv("NORMAL_VARIANTS", "4")
	t.Setenv("PORT", "9001")
	t.Setenv("DATABASE_PATH", filepath.Join(dir, "test.db"))

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Pipeline.BlendDepthPx != 20 {
		t.Errorf("BlendDepthPx = %d, want 20 from overlay", cfg.Pipeline.BlendDepthPx)
	}
	if cfg.Pipeline.NormalVariants != 4 {
		t.Errorf("NormalVariants = %d, want 4 from env", cfg.Pipeline.NormalVariants)
	}
	if cfg.Pipeline.UpstreamTimeout != 45*time.Second {
		t.Errorf("UpstreamTimeout = %v, want 45s", cfg.Pipeline.UpstreamTimeout)
	}
	if cfg.Pipeline.ShadowPassEnabled {
		t.Error("ShadowPassEnabled = true, want false from overlay")
	}
	if cfg.Pipeline.FloorTopMinRatio != 0.52 {
		t.Errorf("FloorTopMinRatio = %v, want default 0.52", cfg.Pipeline.FloorTopMinRatio)
	}
	if cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001", cfg.Port)
	}
}

func TestLoadConfig_MissingOverlay(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() = nil error, want error for missing overlay")
	}
}

func TestLoadConfig_InvalidPort(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG_FILE", "")
	t.Setenv("PORT", "70000")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() = nil error, want error")
	}
	if code := GetErrorCode(err); code != ErrCodeInvalidSetting {
		t.Errorf("GetErrorCode() = %q, want %q", code, ErrCodeInvalidSetting)
	}
}

func TestConfig_RequireAPIKey(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireAPIKey()
	if err == nil {
		t.Fatal("RequireAPIKey() = nil, want error")
	}
	if ExitCodeFor(err) != ExitCodeConfig {
		t.Errorf("ExitCodeFor() = %d, want %d", ExitCodeFor(err), ExitCodeConfig)
	}

	cfg.OpenAIAPIKey = "sk-test"
	if err := cfg.RequireAPIKey(); err != nil {
		t.Errorf("RequireAPIKey() = %v, want nil", err)
	}
}
