package core

import (
	"context"
)

// ShutdownFunc is the function signature for cleanup handlers during graceful shutdown.
// The context carries the remaining shutdown budget. Implementations must be
// safe to call more than once.
type ShutdownFunc func(ctx context.Context) error
