package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv returns the trimmed value of key and whether it was set to
// something other than whitespace.
func lookupEnv(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

// GetEnvOrDefault returns the value of an environment variable or a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value, ok := lookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// ParseIntEnv parses an environment variable as an integer.
// Returns the default value if the variable is not set or cannot be parsed.
func ParseIntEnv(key string, defaultValue int) int {
	if value, ok := lookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseInt64Env parses an environment variable as an int64.
func ParseInt64Env(key string, defaultValue int64) int64 {
	if value, ok := lookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseFloat64Env parses an environment variable as a float64.
func ParseFloat64Env(key string, defaultValue float64) float64 {
	if value, ok := lookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseBoolEnv parses an environment variable as a boolean.
// Accepts case-insensitive "true", "1", "yes", "on" and "false", "0", "no", "off".
// Anything else yields the default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	value, ok := lookupEnv(key)
	if !ok {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// ParseDurationEnv parses an environment variable as a duration in seconds.
func ParseDurationEnv(key string, defaultSeconds int) time.Duration {
	return time.Duration(ParseIntEnv(key, defaultSeconds)) * time.Second
}

// overrideString replaces *dst when key is set.
func overrideString(dst *string, key string) {
	if value, ok := lookupEnv(key); ok {
		*dst = value
	}
}

// overrideInt replaces *dst when key is set to a valid integer.
func overrideInt(dst *int, key string) {
	*dst = ParseIntEnv(key, *dst)
}

// overrideFloat replaces *dst when key is set to a valid float.
func overrideFloat(dst *float64, key string) {
	*dst = ParseFloat64Env(key, *dst)
}

// overrideBool replaces *dst when key is set to a recognised boolean.
func overrideBool(dst *bool, key string) {
	*dst = ParseBoolEnv(key, *dst)
}

// overrideSeconds replaces *dst when key is set to a whole number of seconds.
func overrideSeconds(dst *time.Duration, key string) {
	if value, ok := lookupEnv(key); ok {
		if seconds, err := strconv.Atoi(value); err == nil {
			*dst = time.Duration(seconds) * time.Second
		}
	}
}
