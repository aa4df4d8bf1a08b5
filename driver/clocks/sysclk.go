package clocks

import (
	"context"
	"log/slog"
	"time"

	"example.com/pathtime/base/timebase"
)

type SystemClock struct {
	log *slog.Logger
}

var _ timebase.LocalClock = (*SystemClock)(nil)

func NewSystemClock(log *slog.Logger) *SystemClock {
	return &SystemClock{log: log}
}

func (c *SystemClock) Now() time.Time {
	t, err := now()
	if err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelError,
			"failed to read realtime clock", slog.Any("error", err))
		return time.Now().UTC()
	}
	return t
}

func (c *SystemClock) Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
