// Package limiter paces remote requests and guards against overlapping sync runs.
package limiter

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

// Pacer blocks until the next request may be sent. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// RunLock provides run-level mutual exclusion between sync invocations.
type RunLock interface {
	// Acquire takes the lock for holder or fails with errs.ErrLocked.
	Acquire(ctx context.Context, holder uuid.UUID) error
	// Release drops the lock if holder still owns it.
	Release(ctx context.Context, holder uuid.UUID) error
}
