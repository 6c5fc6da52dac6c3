package core

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Config holds all configuration values
type Config struct {
	// Upstream image edit API
	OpenAIAPIKey string
	ImageEditURL string // Base URL; "/images/edits" is appended
	ImageModel   string

	// Server Configuration
	Port                 int
	AllowSelfSignedCerts bool
	MaxUploadBytes       int64
	RateLimitPerMinute   int
	ShutdownTimeout      time.Duration

	// Persistence
	DatabasePath   string
	DailyLimitHint int

	// Logging
	LogFile string
	DevMode bool

	// Render archive (optional; empty bucket disables it)
	ArchiveBucket string
	ArchiveRegion string
	ArchivePrefix string

	Pipeline RenderPipelineConfig
}

// LoadConfig reads configuration from the environment. PIPELINE_CONFIG_FILE,
// when set, names a YAML overlay applied before the pipeline environment
// variables.
func LoadConfig() (*Config, error) {
	pipeline := DefaultRenderPipelineConfig()
	if overlay, ok := lookupEnv("PIPELINE_CONFIG_FILE"); ok {
		if err := LoadPipelineOverlay(&pipeline, overlay); err != nil {
			return nil, err
		}
	}
	applyPipelineEnv(&pipeline)

	cfg := &Config{
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		ImageEditURL: strings.TrimRight(GetEnvOrDefault("IMAGE_EDIT_URL", "https://api.openai.com/v1"), "/"),
		ImageModel:   GetEnvOrDefault("IMAGE_MODEL", "gpt-image-1"),

		Port:                 ParseIntEnv("PORT", 8787),
		AllowSelfSignedCerts: ParseBoolEnv("ALLOW_SELF_SIGNED_CERTS", false),
		MaxUploadBytes:       ParseInt64Env("MAX_UPLOAD_BYTES", 20<<20),
		RateLimitPerMinute:   ParseIntEnv("RATE_LIMIT_PER_MINUTE", 60),
		ShutdownTimeout:      ParseDurationEnv("SHUTDOWN_TIMEOUT", 60),

		DatabasePath:   GetEnvOrDefault("DATABASE_PATH", "data/rugcomposer.db"),
		DailyLimitHint: ParseIntEnv("DAILY_LIMIT_HINT", 20),

		LogFile: GetEnvOrDefault("LOG_FILE", "app.log"),
		DevMode: ParseBoolEnv("DEV_MODE", false),

		ArchiveBucket: os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion: GetEnvOrDefault("ARCHIVE_REGION", "us-east-1"),
		ArchivePrefix: GetEnvOrDefault("ARCHIVE_PREFIX", "renders"),

		Pipeline: pipeline,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs. The API key is checked
// separately by commands that call upstream, so migrations run without one.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return ErrInvalidSetting("PORT", fmt.Sprintf("%d is not a valid port", c.Port))
	}
	if c.MaxUploadBytes <= 0 {
		return ErrInvalidSetting("MAX_UPLOAD_BYTES", "must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		return ErrInvalidSetting("RATE_LIMIT_PER_MINUTE", "must be positive")
	}
	if c.DatabasePath == "" {
		return ErrMissingConfig("DATABASE_PATH")
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	return nil
}

// RequireAPIKey reports a ConfigError when no upstream key is configured.
func (c *Config) RequireAPIKey() error {
	if c.OpenAIAPIKey == "" {
		return ErrMissingAuth("openai")
	}
	return nil
}

// GetHTTPClient returns an HTTP client with the given timeout that honours
// AllowSelfSignedCerts.
func GetHTTPClient(cfg *Config, timeout time.Duration) *http.Client {
	client := &http.Client{
		Timeout: timeout,
	}

	if cfg.AllowSelfSignedCerts {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return client
}
