package imagegen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rugcomposer/core"
)

// DefaultMaxDownloadBytes caps a single fetched candidate.
const DefaultMaxDownloadBytes = 50 << 20

// URLFetcher resolves URL candidates into bytes.
type URLFetcher interface {
	DownloadBytes(ctx context.Context, url string) ([]byte, string, error)
}

// Downloader fetches candidate images the service returned by URL.
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

// DownloaderConfig configures a Downloader.
type DownloaderConfig struct {
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client

	Timeout time.Duration

	MaxBytes int64
}

// DefaultDownloaderConfig returns sensible default configuration.
func DefaultDownloaderConfig() DownloaderConfig {
	return DownloaderConfig{
		Timeout:  60 * time.Second,
		MaxBytes: DefaultMaxDownloadBytes,
	}
}

// NewDownloader builds a Downloader honouring cfg's TLS settings.
func NewDownloader(cfg *core.Config) *Downloader {
	dc := DefaultDownloaderConfig()
	dc.HTTPClient = core.GetHTTPClient(cfg, dc.Timeout)
	return NewDownloaderWithConfig(dc)
}

// NewDownloaderWithConfig builds a Downloader from explicit settings.
func NewDownloaderWithConfig(cfg DownloaderConfig) *Downloader {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDownloadBytes
	}
	return &Downloader{client: client, maxBytes: maxBytes}
}

// DownloadBytes fetches url into memory and returns its content type.
func (d *Downloader) DownloadBytes(ctx context.Context, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", fmt.Errorf("imagegen: URL cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: failed to create download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("imagegen: download failed with status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return nil, "", fmt.Errorf("imagegen: download returned %q, want an image", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: failed to read image data: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, "", fmt.Errorf("imagegen: image exceeds %d bytes", d.maxBytes)
	}

	return data, contentType, nil
}

var _ URLFetcher = (*Downloader)(nil)
