package timebase

import (
	"context"
	"time"
)

// LocalClock is the uncorrected local wall clock.
type LocalClock interface {
	Now() time.Time
	// Sleep pauses for duration or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, duration time.Duration) error
}
