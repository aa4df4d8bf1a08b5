package measurements

import (
	"errors"
	"fmt"
)

var (
	errClockStepped      = errors.New("local clock stepped backwards during exchange")
	errInvalidMasterTime = errors.New("invalid reference time")
)

// Sample holds the raw timings of one two-way exchange with a reference
// clock: local send time T1, the reference's reported time MasterTime and
// local receive time T4, all in nanoseconds since the Unix epoch.
//
// The offset estimate assumes that forward and return delays are equal.
// On asymmetric paths, half of the asymmetry ends up in the offset.
type Sample struct {
	T1         int64
	MasterTime int64
	T4         int64
}

// Delay is the estimated one-way network delay.
func (s Sample) Delay() int64 {
	return (s.T4 - s.T1) / 2
}

// Offset is the estimated correction to add to the local clock.
func (s Sample) Offset() int64 {
	return s.MasterTime - s.T1 - s.Delay()
}

func (s Sample) Validate() error {
	if s.T4 < s.T1 {
		return fmt.Errorf("%w: t1=%d, t4=%d", errClockStepped, s.T1, s.T4)
	}
	if s.MasterTime <= 0 {
		return fmt.Errorf("%w: %d", errInvalidMasterTime, s.MasterTime)
	}
	return nil
}
