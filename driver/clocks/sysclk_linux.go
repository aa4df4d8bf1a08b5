package clocks

import (
	"time"

	"golang.org/x/sys/unix"
)

func now() (time.Time, error) {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts.Unix()).UTC(), nil
}
