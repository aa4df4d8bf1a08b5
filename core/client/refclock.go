package client

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("reference clock unavailable")

// ReferenceClock is an authoritative time source. QueryReferenceTime returns
// the reference's notion of the current time in nanoseconds since the Unix
// epoch. Failures wrap ErrUnavailable.
type ReferenceClock interface {
	QueryReferenceTime(ctx context.Context) (int64, error)
}
