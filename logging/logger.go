// Package logging provides the structured logger shared by every component.
//
// Logger wraps zap, tees output to the console and a rotating JSON file, and
// redacts credentials from every field before it reaches either sink.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures NewLogger.
type Options struct {
	// Development switches the console to a colored human format and
	// lowers the default level to debug.
	Development bool

	// FilePath is the rotating JSON log file. Empty disables the file sink.
	FilePath string

	// Level overrides the default level when non-nil.
	Level *zapcore.Level

	// File tunes rotation of FilePath.
	File FileWriterConfig

	// Console replaces stdout, mainly for tests.
	Console zapcore.WriteSyncer
}

// Logger is a redacting wrapper around *zap.Logger.
type Logger struct {
	zap           *zap.Logger
	isDevelopment bool
	logFilePath   string
}

// NewLogger builds a Logger from opts.
func NewLogger(opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Development {
		level = zapcore.DebugLevel
	}
	if opts.Level != nil {
		level = *opts.Level
	}

	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stdout)
	}

	var file zapcore.WriteSyncer
	if opts.FilePath != "" {
		writer, err := NewFileWriterWithConfig(opts.FilePath, opts.File)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		file = writer
	}

	core := NewMultiCore(level, console, file, opts.Development)
	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1), // Skip this wrapper layer
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	return &Logger{
		zap:           zapLogger,
		isDevelopment: opts.Development,
		logFilePath:   opts.FilePath,
	}, nil
}

// NewFromZap wraps an existing zap logger, e.g. one built by zaptest.
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{zap: z.WithOptions(zap.AddCallerSkip(1))}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, redactFields(fields)...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, redactFields(fields)...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, redactFields(fields)...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, redactFields(fields)...)
}

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		zap:           l.zap.With(redactFields(fields)...),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Named returns a child logger whose entries carry name as their source.
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		zap:           l.zap.Named(name),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Zap exposes the underlying logger for libraries that want one.
// Entries written through it bypass redaction.
func (l *Logger) Zap() *zap.Logger {
	return l.zap.WithOptions(zap.AddCallerSkip(-1))
}

func (l *Logger) IsDevelopment() bool {
	return l.isDevelopment
}

func (l *Logger) LogFilePath() string {
	return l.logFilePath
}

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}

	result := make([]zap.Field, len(fields))
	for i, field := range fields {
		result[i] = redactField(field)
	}
	return result
}

func redactField(field zap.Field) zap.Field {
	if IsSensitiveField(field.Key) {
		return zap.String(field.Key, RedactedPlaceholder)
	}

	if field.Type == zapcore.StringType {
		if redacted := RedactSensitiveData(field.String); redacted != field.String {
			return zap.String(field.Key, redacted)
		}
	}

	if field.Type == zapcore.ErrorType {
		if err, ok := field.Interface.(error); ok && err != nil {
			if redacted := RedactSensitiveData(err.Error()); redacted != err.Error() {
				return zap.String(field.Key, redacted)
			}
		}
	}

	return field
}
