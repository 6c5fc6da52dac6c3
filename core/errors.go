package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeMissingAuth    = "MISSING_AUTH"
	ErrCodeMissingConfig  = "MISSING_CONFIG"
	ErrCodeInvalidSetting = "INVALID_SETTING"
)

// ErrMissingAuth returns an error for missing authentication credentials
func ErrMissingAuth(service string) *ConfigError {
	action := fmt.Sprintf("Set the required API key for %s in your .env file", service)
	if service == "openai" {
		action = "Set OPENAI_API_KEY in your .env file"
	}
	return &ConfigError{
		Code:    ErrCodeMissingAuth,
		Message: fmt.Sprintf("Missing authentication credentials for %s", service),
		Action:  action,
	}
}

// ErrMissingConfig returns an error for missing required configuration
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// ErrInvalidSetting returns an error for a configured value that cannot be used.
func ErrInvalidSetting(varName, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidSetting,
		Message: fmt.Sprintf("Invalid %s: %s", varName, reason),
		Action:  fmt.Sprintf("Fix %s in your .env file", varName),
	}
}

// IsConfigError checks if an error is a ConfigError and returns it if so
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError
// or a RenderError.
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	if renderErr, ok := AsRenderError(err); ok {
		return renderErr.Code
	}
	return ""
}
