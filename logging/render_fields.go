package logging

import (
	"time"

	"go.uber.org/zap"
)

// Field keys shared by render pipeline log entries.
const (
	KeyAttemptID  = "attempt_id"
	KeyUserID     = "user_id"
	KeyMode       = "mode"
	KeyCacheKey   = "cache_key"
	KeyStage      = "stage"
	KeyDurationMS = "duration_ms"
)

func AttemptID(id string) zap.Field {
	return zap.String(KeyAttemptID, id)
}

func UserID(id string) zap.Field {
	return zap.String(KeyUserID, id)
}

func Mode(mode string) zap.Field {
	return zap.String(KeyMode, mode)
}

// CacheKey logs the first 12 hex characters of a content digest.
func CacheKey(key string) zap.Field {
	if len(key) > 12 {
		key = key[:12]
	}
	return zap.String(KeyCacheKey, key)
}

func Stage(name string) zap.Field {
	return zap.String(KeyStage, name)
}

// Elapsed logs the time since start in whole milliseconds.
func Elapsed(start time.Time) zap.Field {
	return zap.Int64(KeyDurationMS, time.Since(start).Milliseconds())
}
