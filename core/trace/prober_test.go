package trace

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"example.com/pathtime/core/policy"
	"example.com/pathtime/core/timer"
)

type fakeClock struct {
	mu    sync.Mutex
	now   int64
	step  int64
	times []int64
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.times) != 0 {
		t := c.times[0]
		c.times = c.times[1:]
		return time.Unix(0, t)
	}
	t := c.now
	c.now += c.step
	return time.Unix(0, t)
}

func (c *fakeClock) Sleep(ctx context.Context, duration time.Duration) error {
	return nil
}

type hopFunc func(ctx context.Context, target netip.Addr, ttl int) (netip.Addr, bool, error)

type fakeHops struct {
	mu   sync.Mutex
	ttls []int
	hop  hopFunc
}

func (h *fakeHops) ProbeHop(ctx context.Context, target netip.Addr, ttl int, timeout time.Duration) (
	netip.Addr, bool, error) {
	h.mu.Lock()
	h.ttls = append(h.ttls, ttl)
	h.mu.Unlock()
	return h.hop(ctx, target, ttl)
}

func (h *fakeHops) calls() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.ttls)
}

// pathHops answers hop d with path[d-1]; an invalid address means silence.
func pathHops(path ...string) *fakeHops {
	return &fakeHops{hop: func(ctx context.Context, target netip.Addr, ttl int) (netip.Addr, bool, error) {
		if ttl > len(path) {
			return netip.Addr{}, false, nil
		}
		if path[ttl-1] == "" {
			return netip.Addr{}, false, nil
		}
		return netip.MustParseAddr(path[ttl-1]), true, nil
	}}
}

type fakeResolver map[string]string

func (r fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	name, ok := r[addr]
	if !ok {
		return nil, errors.New("no PTR record")
	}
	return []string{name}, nil
}

func newTestProber(hops HopProber, modify func(cfg *Config)) *Prober {
	cfg := Config{
		Hops:  hops,
		Clock: timer.NewClock(&fakeClock{now: 1_000_000_000, step: 1_000}, nil),
	}
	if modify != nil {
		modify(&cfg)
	}
	return NewProber(slog.New(slog.DiscardHandler), cfg)
}

func TestProbeReachesTarget(t *testing.T) {
	hops := pathHops("10.0.0.1", "10.0.0.2", "192.0.2.1", "192.0.2.99")
	p := newTestProber(hops, nil)
	tr, err := p.Probe(context.Background(), "192.0.2.1", 30, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := len(tr.Hops), 3; got != want {
		t.Fatalf("len(Hops) = %d, want %d", got, want)
	}
	if !tr.ReachedTarget {
		t.Fatalf("ReachedTarget = false, want true")
	}
	for i, h := range tr.Hops {
		if got, want := h.HopIndex, uint32(i+1); got != want {
			t.Errorf("Hops[%d].HopIndex = %d, want %d", i, got, want)
		}
		if !h.Responded() {
			t.Errorf("Hops[%d] did not respond", i)
		}
		if got, want := *h.RoundTripNs, int64(1_000); got != want {
			t.Errorf("Hops[%d].RoundTripNs = %d, want %d", i, got, want)
		}
	}
	if got, want := hops.calls(), []int{1, 2, 3}; !slices.Equal(got, want) {
		t.Fatalf("probed ttls = %v, want %v", got, want)
	}
	if tr.ID == "" {
		t.Fatalf("ID is empty")
	}
	if tr.FinishedAt < tr.StartedAt {
		t.Fatalf("FinishedAt = %d before StartedAt = %d", tr.FinishedAt, tr.StartedAt)
	}
}

func TestProbeSilentHop(t *testing.T) {
	p := newTestProber(pathHops("10.0.0.1", "", "192.0.2.1"), nil)
	tr, err := p.Probe(context.Background(), "192.0.2.1", 30, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := len(tr.Hops), 3; got != want {
		t.Fatalf("len(Hops) = %d, want %d", got, want)
	}
	if tr.Hops[1].RoundTripNs != nil {
		t.Fatalf("Hops[1].RoundTripNs = %d, want nil", *tr.Hops[1].RoundTripNs)
	}
	if tr.Hops[1].Address.IsValid() {
		t.Fatalf("Hops[1].Address = %v, want none", tr.Hops[1].Address)
	}
	if !tr.Hops[0].Responded() || !tr.Hops[2].Responded() {
		t.Fatalf("hops 1 and 3 must respond: %+v", tr.Hops)
	}
	if got := len(tr.RespondingHops()); got != 2 {
		t.Fatalf("len(RespondingHops()) = %d, want 2", got)
	}
}

func TestProbeTransportErrorIsSilentHop(t *testing.T) {
	hops := &fakeHops{hop: func(ctx context.Context, target netip.Addr, ttl int) (netip.Addr, bool, error) {
		if ttl == 1 {
			return netip.Addr{}, false, errors.New("network unreachable")
		}
		return target, true, nil
	}}
	p := newTestProber(hops, nil)
	tr, err := p.Probe(context.Background(), "192.0.2.1", 30, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := len(tr.Hops), 2; got != want {
		t.Fatalf("len(Hops) = %d, want %d", got, want)
	}
	if tr.Hops[0].Responded() {
		t.Fatalf("Hops[0] responded, want silent hop")
	}
}

func TestProbeMaxHopsExhausted(t *testing.T) {
	p := newTestProber(pathHops("10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"), nil)
	tr, err := p.Probe(context.Background(), "192.0.2.1", 3, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := len(tr.Hops), 3; got != want {
		t.Fatalf("len(Hops) = %d, want %d", got, want)
	}
	if tr.ReachedTarget {
		t.Fatalf("ReachedTarget = true, want false")
	}
}

func TestProbeDefaults(t *testing.T) {
	hops := pathHops()
	p := newTestProber(hops, func(cfg *Config) { cfg.DefaultMaxHops = 5 })
	tr, err := p.Probe(context.Background(), "192.0.2.1", 0, 0)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := len(tr.Hops), 5; got != want {
		t.Fatalf("len(Hops) = %d, want %d", got, want)
	}
}

func TestProbeDuplicateResponders(t *testing.T) {
	p := newTestProber(pathHops("10.0.0.1", "10.0.0.1", "192.0.2.1"), nil)
	tr, err := p.Probe(context.Background(), "192.0.2.1", 30, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := len(tr.Hops), 3; got != want {
		t.Fatalf("len(Hops) = %d, want %d", got, want)
	}
	if tr.Hops[0].Address != tr.Hops[1].Address {
		t.Fatalf("Hops[0].Address = %v, Hops[1].Address = %v, want equal", tr.Hops[0].Address, tr.Hops[1].Address)
	}
}

func TestProbeMappedResponder(t *testing.T) {
	p := newTestProber(pathHops("::ffff:192.0.2.1"), nil)
	tr, err := p.Probe(context.Background(), "192.0.2.1", 30, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !tr.ReachedTarget || len(tr.Hops) != 1 {
		t.Fatalf("Probe() = %+v, want target reached at hop 1", tr)
	}
}

func TestProbeLinkLocalTarget(t *testing.T) {
	p := newTestProber(pathHops("fe80::1"), nil)
	tr, err := p.Probe(context.Background(), "fe80::1%eth0", 30, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := tr.Target.Zone(), "eth0"; got != want {
		t.Fatalf("Target.Zone() = %q, want %q", got, want)
	}
	if !tr.ReachedTarget || len(tr.Hops) != 1 {
		t.Fatalf("Probe() = %+v, want target reached at hop 1", tr)
	}
}

func TestProbeNegativeRoundTripRetained(t *testing.T) {
	clk := &fakeClock{times: []int64{100, 1_000, 500, 2_000}}
	p := newTestProber(pathHops("192.0.2.1"), func(cfg *Config) {
		cfg.Clock = timer.NewClock(clk, nil)
	})
	tr, err := p.Probe(context.Background(), "192.0.2.1", 30, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := *tr.Hops[0].RoundTripNs, int64(-500); got != want {
		t.Fatalf("RoundTripNs = %d, want %d", got, want)
	}
	if got, want := tr.Hops[0].SendTimestampNs, int64(1_000); got != want {
		t.Fatalf("SendTimestampNs = %d, want %d", got, want)
	}
}

func TestProbeInvalidTarget(t *testing.T) {
	hops := pathHops("192.0.2.1")
	p := newTestProber(hops, nil)
	for _, target := range []string{"", "not-an-ip", "300.1.2.3", "example.com"} {
		tr, err := p.Probe(context.Background(), target, 30, time.Second)
		if !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("Probe(%q) error = %v, want %v", target, err, ErrInvalidTarget)
		}
		if tr != nil {
			t.Errorf("Probe(%q) = %+v, want nil trace", target, tr)
		}
	}
	if n := len(hops.calls()); n != 0 {
		t.Fatalf("probes sent = %d, want 0", n)
	}
}

func TestProbeInvalidArguments(t *testing.T) {
	p := newTestProber(pathHops("192.0.2.1"), nil)
	if _, err := p.Probe(context.Background(), "192.0.2.1", -1, time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Probe() with negative max hops error = %v, want %v", err, ErrInvalidArgument)
	}
	if _, err := p.Probe(context.Background(), "192.0.2.1", 30, -time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Probe() with negative timeout error = %v, want %v", err, ErrInvalidArgument)
	}
}

func TestProbePolicyDenied(t *testing.T) {
	hops := pathHops("192.0.2.1")
	gate := policy.NewFramework(slog.New(slog.DiscardHandler), policy.DefaultRules()...)
	p := newTestProber(hops, func(cfg *Config) {
		cfg.Gate = gate
		cfg.Params = policy.Params{ResearchOnly: false, TransparentMethodology: true}
	})
	tr, err := p.Probe(context.Background(), "192.0.2.1", 30, time.Second)
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("Probe() error = %v, want %v", err, policy.ErrDenied)
	}
	var denied *policy.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Probe() error type = %T, want *policy.DeniedError", err)
	}
	if got, want := denied.Failures[0].Message, "Operations must be for research purposes only"; got != want {
		t.Fatalf("Failures[0].Message = %q, want %q", got, want)
	}
	if tr != nil {
		t.Fatalf("Probe() = %+v, want nil trace", tr)
	}
	if n := len(hops.calls()); n != 0 {
		t.Fatalf("probes sent = %d, want 0", n)
	}
}

type recordingGate struct {
	ops    []string
	params []policy.Params
}

func (g *recordingGate) Validate(operation string, params policy.Params) []policy.Result {
	g.ops = append(g.ops, operation)
	g.params = append(g.params, params)
	return []policy.Result{{Rule: "ok", Passed: true}}
}

func TestProbePolicyConsultedOnce(t *testing.T) {
	gate := &recordingGate{}
	p := newTestProber(pathHops("10.0.0.1", "192.0.2.1"), func(cfg *Config) {
		cfg.Gate = gate
		cfg.Params = policy.Params{ResearchOnly: true}
	})
	_, err := p.Probe(context.Background(), "192.0.2.1", 7, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := gate.ops, []string{Operation}; !slices.Equal(got, want) {
		t.Fatalf("gate operations = %v, want %v", got, want)
	}
	want := policy.Params{Target: "192.0.2.1", MaxHops: 7, ResearchOnly: true}
	if got := gate.params[0]; got != want {
		t.Fatalf("gate params = %+v, want %+v", got, want)
	}
}

func TestProbeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hops := &fakeHops{hop: func(hctx context.Context, target netip.Addr, ttl int) (netip.Addr, bool, error) {
		if ttl == 2 {
			cancel()
			if hctx.Err() != nil {
				return netip.Addr{}, false, hctx.Err()
			}
		}
		return netip.AddrFrom4([4]byte{10, 0, 0, byte(ttl)}), true, nil
	}}
	p := newTestProber(hops, nil)
	tr, err := p.Probe(ctx, "192.0.2.1", 30, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Probe() error = %v, want %v", err, context.Canceled)
	}
	if tr == nil {
		t.Fatalf("Probe() returned no partial trace")
	}
	if got, want := len(tr.Hops), 2; got != want {
		t.Fatalf("len(Hops) = %d, want %d", got, want)
	}
	if !tr.Hops[1].Responded() {
		t.Fatalf("in-flight hop was not completed after cancellation")
	}
	if tr.FinishedAt == 0 {
		t.Fatalf("partial trace was not finalized")
	}
}

func TestProbeResolvesHostnames(t *testing.T) {
	p := newTestProber(pathHops("10.0.0.1", "192.0.2.1"), func(cfg *Config) {
		cfg.Resolver = fakeResolver{"10.0.0.1": "gw.example.net."}
	})
	tr, err := p.Probe(context.Background(), "192.0.2.1", 30, time.Second)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got, want := tr.Hops[0].Hostname, "gw.example.net"; got != want {
		t.Fatalf("Hops[0].Hostname = %q, want %q", got, want)
	}
	if got := tr.Hops[1].Hostname; got != "" {
		t.Fatalf("Hops[1].Hostname = %q, want empty", got)
	}
}

type blockingResolver struct{}

func (blockingResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProbeResolveBoundedByHopTimeout(t *testing.T) {
	const hopTimeout = 50 * time.Millisecond
	p := newTestProber(pathHops("192.0.2.1"), func(cfg *Config) {
		cfg.Resolver = blockingResolver{}
		cfg.ResolveTimeout = 2 * time.Second
	})
	start := time.Now()
	tr, err := p.Probe(context.Background(), "192.0.2.1", 1, hopTimeout)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if d := time.Since(start); d > 10*hopTimeout {
		t.Fatalf("Probe() took %v with hop timeout %v", d, hopTimeout)
	}
	if !tr.ReachedTarget || tr.Hops[0].Hostname != "" {
		t.Fatalf("Probe() = %+v, want reached target without hostname", tr)
	}
}

func TestProbeAll(t *testing.T) {
	hops := &fakeHops{hop: func(ctx context.Context, target netip.Addr, ttl int) (netip.Addr, bool, error) {
		return target, true, nil
	}}
	p := newTestProber(hops, nil)
	targets := []string{"192.0.2.1", "bogus", "2001:db8::1", "192.0.2.2"}
	results := p.ProbeAll(context.Background(), targets, 30, time.Second, 2)
	if got, want := len(results), len(targets); got != want {
		t.Fatalf("len(ProbeAll()) = %d, want %d", got, want)
	}
	for i, r := range results {
		if r.Target != targets[i] {
			t.Errorf("results[%d].Target = %q, want %q", i, r.Target, targets[i])
		}
		if i == 1 {
			if !errors.Is(r.Err, ErrInvalidTarget) {
				t.Errorf("results[1].Err = %v, want %v", r.Err, ErrInvalidTarget)
			}
			continue
		}
		if r.Err != nil {
			t.Errorf("results[%d].Err = %v", i, r.Err)
			continue
		}
		if got, want := r.Trace.Target.String(), targets[i]; got != want {
			t.Errorf("results[%d].Trace.Target = %v, want %v", i, got, want)
		}
		if !r.Trace.ReachedTarget {
			t.Errorf("results[%d].Trace.ReachedTarget = false", i)
		}
	}
}
