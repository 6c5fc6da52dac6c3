package logging

import (
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ParseLogLevel reads a level name from envVarName. Unset or unknown values
// yield nil so NewLogger keeps its mode-dependent default.
func ParseLogLevel(envVarName string) *zapcore.Level {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVarName)))

	var level zapcore.Level
	switch value {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return nil
	}
	return &level
}
