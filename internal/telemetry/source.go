package telemetry

import (
	"context"

	"aptos-sentinel/internal/store"
)

// Source produces one network telemetry sample per call. Failures are
// transient: the caller abandons the tick and retries on the next one.
type Source interface {
	Sample(ctx context.Context) (store.SnapshotInput, error)
}
