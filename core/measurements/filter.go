package measurements

import (
	"cmp"
	"slices"
)

type Filter interface {
	// Do consumes a validated sample and returns the sample to use for the
	// offset estimate, if one is available yet.
	Do(s Sample) (Sample, bool)
	Reset()
}

// LuckyPacketFilter collects windows of size samples and picks, from the
// pick samples with the lowest delay, the most recent one.
type LuckyPacketFilter struct {
	buf  []Sample
	pick int
}

var _ Filter = (*LuckyPacketFilter)(nil)

func NewLuckyPacketFilter(size, pick int) *LuckyPacketFilter {
	if size < 1 {
		panic("lucky packet window size must be >= 1")
	}
	if pick < 1 || pick > size {
		panic("lucky packet pick must be >= 1 and <= size")
	}
	return &LuckyPacketFilter{
		buf:  make([]Sample, 0, size),
		pick: pick,
	}
}

func (f *LuckyPacketFilter) Do(s Sample) (Sample, bool) {
	f.buf = append(f.buf, s)
	if len(f.buf) < cap(f.buf) {
		return Sample{}, false
	}

	slices.SortStableFunc(f.buf, func(a, b Sample) int { return cmp.Compare(a.Delay(), b.Delay()) })
	lucky := f.buf[:f.pick]
	res := slices.MaxFunc(lucky, func(a, b Sample) int { return cmp.Compare(a.T4, b.T4) })
	f.buf = f.buf[:0]

	return res, true
}

func (f *LuckyPacketFilter) Reset() {
	f.buf = f.buf[:0]
}
