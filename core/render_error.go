package core

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrorKind classifies a render failure for status mapping and attempt records.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindUpstream     ErrorKind = "upstream"
	KindLimitReached ErrorKind = "limit_reached"
	KindNetwork      ErrorKind = "network"
	KindInternal     ErrorKind = "internal"
)

// UpstreamCategory refines KindUpstream failures.
type UpstreamCategory string

const (
	UpstreamMaskFormat         UpstreamCategory = "mask_format"
	UpstreamBilling            UpstreamCategory = "billing"
	UpstreamInvalidCredentials UpstreamCategory = "invalid_credentials"
	UpstreamRateLimited        UpstreamCategory = "rate_limited"
	UpstreamUnknown            UpstreamCategory = "unknown"
)

// Codes carried by RenderError.Code and surfaced in API error bodies.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeLimitReached       = "LIMIT_REACHED"
	CodeUpstreamMaskFormat = "UPSTREAM_MASK_FORMAT"
	CodeUpstreamBilling    = "UPSTREAM_BILLING"
	CodeUpstreamAuth       = "UPSTREAM_INVALID_CREDENTIALS"
	CodeUpstreamRateLimit  = "UPSTREAM_RATE_LIMITED"
	CodeUpstreamUnknown    = "UPSTREAM_ERROR"
	CodeNetwork            = "NETWORK_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// MaxAttemptErrorLength bounds the error text stored on a failed render attempt.
const MaxAttemptErrorLength = 300

// RenderError is the error type every render failure is reported as.
type RenderError struct {
	Kind     ErrorKind
	Category UpstreamCategory // set only for KindUpstream
	Code     string
	Message  string
	Err      error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// NewValidationError reports caller input that cannot be rendered.
func NewValidationError(message string) *RenderError {
	return &RenderError{Kind: KindValidation, Code: CodeValidation, Message: message}
}

// NewLimitReachedError reports an account without enough credit.
func NewLimitReachedError() *RenderError {
	return &RenderError{Kind: KindLimitReached, Code: CodeLimitReached, Message: "usage limit reached"}
}

// NewUpstreamError wraps a failure reported by the image edit API.
func NewUpstreamError(category UpstreamCategory, err error) *RenderError {
	code := CodeUpstreamUnknown
	message := "image generation failed"
	switch category {
	case UpstreamMaskFormat:
		code, message = CodeUpstreamMaskFormat, "image generation rejected the mask"
	case UpstreamBilling:
		code, message = CodeUpstreamBilling, "image generation billing limit reached"
	case UpstreamInvalidCredentials:
		code, message = CodeUpstreamAuth, "image generation credentials rejected"
	case UpstreamRateLimited:
		code, message = CodeUpstreamRateLimit, "image generation rate limited"
	}
	return &RenderError{Kind: KindUpstream, Category: category, Code: code, Message: message, Err: err}
}

// NewNetworkError wraps a transport failure or deadline.
func NewNetworkError(err error) *RenderError {
	return &RenderError{Kind: KindNetwork, Code: CodeNetwork, Message: "image generation unreachable", Err: err}
}

// NewInternalError wraps an unexpected local failure.
func NewInternalError(message string, err error) *RenderError {
	return &RenderError{Kind: KindInternal, Code: CodeInternal, Message: message, Err: err}
}

// AsRenderError extracts a RenderError from err's chain.
func AsRenderError(err error) (*RenderError, bool) {
	var renderErr *RenderError
	if errors.As(err, &renderErr) {
		return renderErr, true
	}
	return nil, false
}

// TruncateMessage cuts s to at most limit bytes without splitting a rune.
func TruncateMessage(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
