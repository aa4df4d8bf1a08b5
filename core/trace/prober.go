package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"example.com/pathtime/base/metrics"

	"example.com/pathtime/core/policy"
	"example.com/pathtime/core/timer"

	"example.com/pathtime/net/ip"
)

const (
	Operation = "traceroute_analysis"

	defaultMaxHops        = 30
	defaultHopTimeout     = 3 * time.Second
	defaultResolveTimeout = 500 * time.Millisecond

	maxTTL = 255
)

var (
	ErrInvalidTarget   = errors.New("invalid target address")
	ErrInvalidArgument = errors.New("invalid argument")
)

// HopProber sends a single probe towards target that expires after ttl hops
// and reports the address of the responder. ok is false if no response
// arrived within timeout.
type HopProber interface {
	ProbeHop(ctx context.Context, target netip.Addr, ttl int, timeout time.Duration) (
		from netip.Addr, ok bool, err error)
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

type Config struct {
	Hops     HopProber
	Clock    *timer.Clock
	Resolver Resolver
	// Gate, if set, is consulted once per probe. Params carries the
	// operator's declarations; Target and MaxHops are filled in per probe.
	Gate    policy.Gate
	Params  policy.Params
	Limiter *rate.Limiter

	ResolveTimeout time.Duration
	DefaultMaxHops int
	DefaultTimeout time.Duration
	Registerer     prometheus.Registerer
}

type proberMetrics struct {
	probesSent     prometheus.Counter
	silentHops     prometheus.Counter
	traces         prometheus.Counter
	targetsReached prometheus.Counter
}

func newProberMetrics(reg prometheus.Registerer) *proberMetrics {
	f := promauto.With(reg)
	return &proberMetrics{
		probesSent: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.ProberProbesSentN,
			Help: metrics.ProberProbesSentH,
		}),
		silentHops: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.ProberSilentHopsN,
			Help: metrics.ProberSilentHopsH,
		}),
		traces: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.ProberTracesN,
			Help: metrics.ProberTracesH,
		}),
		targetsReached: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.ProberTargetsReachedN,
			Help: metrics.ProberTargetsReachedH,
		}),
	}
}

// Prober walks the path to a target one hop distance at a time. Concurrent
// calls to Probe share no mutable state.
type Prober struct {
	log   *slog.Logger
	cfg   Config
	mtrcs *proberMetrics
}

func NewProber(log *slog.Logger, cfg Config) *Prober {
	if cfg.Hops == nil {
		panic("hop prober must not be nil")
	}
	if cfg.Clock == nil {
		panic("clock must not be nil")
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	if cfg.DefaultMaxHops <= 0 {
		cfg.DefaultMaxHops = defaultMaxHops
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHopTimeout
	}
	return &Prober{
		log:   log,
		cfg:   cfg,
		mtrcs: newProberMetrics(cfg.Registerer),
	}
}

// Probe traces the path to target. maxHops and perHopTimeout fall back to
// the configured defaults when zero.
//
// Cancellation is checked before each hop; a hop already in flight runs to
// completion or timeout. On cancellation the partial trace is returned
// together with the context's error.
func (p *Prober) Probe(ctx context.Context, target string, maxHops int, perHopTimeout time.Duration) (
	*PathTrace, error) {
	addr, err := ip.ParseTarget(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	if maxHops < 0 || maxHops > maxTTL {
		return nil, fmt.Errorf("%w: max hops %d", ErrInvalidArgument, maxHops)
	}
	if perHopTimeout < 0 {
		return nil, fmt.Errorf("%w: hop timeout %v", ErrInvalidArgument, perHopTimeout)
	}
	if maxHops == 0 {
		maxHops = p.cfg.DefaultMaxHops
	}
	if perHopTimeout == 0 {
		perHopTimeout = p.cfg.DefaultTimeout
	}

	if p.cfg.Gate != nil {
		params := p.cfg.Params
		params.Target = addr.String()
		params.MaxHops = maxHops
		err = policy.Enforce(p.cfg.Gate, Operation, params)
		if err != nil {
			return nil, err
		}
	}

	tr := &PathTrace{
		ID:        uuid.NewString(),
		Target:    addr,
		StartedAt: p.cfg.Clock.Now(),
	}
	p.log.LogAttrs(ctx, slog.LevelDebug, "starting path trace",
		slog.String("id", tr.ID),
		slog.Any("target", addr),
		slog.Int("max_hops", maxHops),
		slog.Duration("hop_timeout", perHopTimeout),
	)

	hopCtx := context.WithoutCancel(ctx)
	for ttl := 1; ttl <= maxHops; ttl++ {
		if err := ctx.Err(); err != nil {
			p.finalize(ctx, tr)
			return tr, err
		}
		if p.cfg.Limiter != nil {
			if err := p.cfg.Limiter.Wait(ctx); err != nil {
				p.finalize(ctx, tr)
				if ctx.Err() != nil {
					return tr, ctx.Err()
				}
				return tr, err
			}
		}
		hop := p.probeHop(ctx, hopCtx, addr, ttl, perHopTimeout)
		tr.Hops = append(tr.Hops, hop)
		if hop.Responded() && ip.Equal(hop.Address, addr) {
			tr.ReachedTarget = true
			break
		}
	}

	p.finalize(ctx, tr)
	return tr, nil
}

func (p *Prober) probeHop(ctx, hopCtx context.Context, target netip.Addr, ttl int, timeout time.Duration) HopMeasurement {
	hop := HopMeasurement{HopIndex: uint32(ttl)}

	wctx, cancel := context.WithTimeout(hopCtx, timeout)
	defer cancel()

	p.mtrcs.probesSent.Inc()
	start := p.cfg.Clock.StartMeasurement()
	from, ok, err := p.cfg.Hops.ProbeHop(wctx, target, ttl, timeout)
	res := p.cfg.Clock.EndMeasurement(start)
	hop.SendTimestampNs = start

	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelInfo, "failed to probe hop",
			slog.Any("target", target),
			slog.Int("ttl", ttl),
			slog.Any("error", err),
		)
	}
	if err != nil || !ok {
		p.mtrcs.silentHops.Inc()
		return hop
	}

	rtt := res.LatencyNs
	hop.Address = from.Unmap()
	hop.RoundTripNs = &rtt
	hop.Hostname = p.resolve(ctx, hopCtx, hop.Address, min(p.cfg.ResolveTimeout, timeout))
	return hop
}

// resolve looks up the name of addr. The lookup never takes longer than
// the hop timeout.
func (p *Prober) resolve(ctx, hopCtx context.Context, addr netip.Addr, timeout time.Duration) string {
	if p.cfg.Resolver == nil {
		return ""
	}
	rctx, cancel := context.WithTimeout(hopCtx, timeout)
	defer cancel()
	names, err := p.cfg.Resolver.LookupAddr(rctx, addr.WithZone("").String())
	if err != nil || len(names) == 0 {
		p.log.LogAttrs(ctx, slog.LevelDebug, "failed to resolve hop address",
			slog.Any("addr", addr),
			slog.Any("error", err),
		)
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

func (p *Prober) finalize(ctx context.Context, tr *PathTrace) {
	tr.FinishedAt = p.cfg.Clock.Now()
	tr.Synchronized = p.cfg.Clock.Synchronized()

	p.mtrcs.traces.Inc()
	if tr.ReachedTarget {
		p.mtrcs.targetsReached.Inc()
	}
	p.log.LogAttrs(ctx, slog.LevelInfo, "path trace finished",
		slog.String("id", tr.ID),
		slog.Any("target", tr.Target),
		slog.Int("hops", len(tr.Hops)),
		slog.Bool("reached_target", tr.ReachedTarget),
		slog.Bool("synchronized", tr.Synchronized),
	)
}
