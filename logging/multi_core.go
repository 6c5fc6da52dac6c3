package logging

import (
	"go.uber.org/zap/zapcore"
)

// NewMultiCore tees entries to the console and, when file is non-nil, to a
// JSON file. The console is human-readable in development and JSON otherwise.
func NewMultiCore(level zapcore.Level, console, file zapcore.WriteSyncer, isDev bool) zapcore.Core {
	var consoleEncoder zapcore.Encoder
	if isDev {
		consoleEncoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	consoleCore := zapcore.NewCore(consoleEncoder, console, level)

	if file == nil {
		return consoleCore
	}

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), file, level)
	return zapcore.NewTee(consoleCore, fileCore)
}
