package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces any value judged sensitive.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(sk-[a-zA-Z0-9_-]{20,})`),                  // OpenAI keys
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._-]{20,})`),       // Authorization headers
	regexp.MustCompile(`((?:AKIA|ASIA)[A-Z0-9]{16})`),              // AWS access key ids
	regexp.MustCompile(`(?i)(aws_secret_access_key\s*[:=]\s*\S+)`), // AWS secrets in text
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(secret\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(api_key\s*[:=]\s*[^\s,;]{8,})`),
}

// Field keys containing any of these are always redacted.
var sensitiveFieldNames = []string{
	"OPENAI_API_KEY",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AUTHORIZATION",
	"PASSWORD",
	"SECRET",
	"API_KEY",
	"APIKEY",
}

// RedactSensitiveData replaces credential-looking substrings of value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}

	result := value
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// IsSensitiveField reports whether a field key names a credential.
func IsSensitiveField(fieldName string) bool {
	upperName := strings.ToUpper(fieldName)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upperName, name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether value holds anything RedactSensitiveData would replace.
func ContainsSensitiveData(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}
