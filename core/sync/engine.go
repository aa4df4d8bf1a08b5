package sync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/pathtime/base/metrics"
	"example.com/pathtime/base/timebase"

	"example.com/pathtime/core/client"
	"example.com/pathtime/core/measurements"

	"example.com/pathtime/driver/clocks"
)

const (
	defaultSyncInterval    = 1 * time.Second
	defaultBackoffFactor   = 5
	defaultExchangeTimeout = 3 * time.Second
	defaultStalenessBound  = 5
)

type Config struct {
	SyncInterval    time.Duration
	BackoffInterval time.Duration
	ExchangeTimeout time.Duration
	// StalenessBound is the number of consecutive failed exchanges tolerated
	// before the offset is no longer considered synchronized.
	StalenessBound uint32

	Clock             timebase.LocalClock
	Filter            measurements.Filter
	NewReferenceClock func(addr string) client.ReferenceClock
	Registerer        prometheus.Registerer
}

// Status is a snapshot of the engine's synchronization state. LastSuccessAt
// is the local receive time of the most recent successful exchange, or 0 if
// there has been none.
type Status struct {
	Synchronized        bool   `json:"synchronized" yaml:"synchronized"`
	OffsetNs            int64  `json:"offset_ns" yaml:"offset_ns"`
	LastSuccessAt       int64  `json:"last_success_at,omitempty" yaml:"last_success_at,omitempty"`
	ConsecutiveFailures uint32 `json:"consecutive_failures" yaml:"consecutive_failures"`
	Degraded            bool   `json:"degraded" yaml:"degraded"`
	Running             bool   `json:"running" yaml:"running"`
}

type engineMetrics struct {
	exchanges    prometheus.Counter
	failures     prometheus.Counter
	offset       prometheus.Gauge
	synchronized prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	f := promauto.With(reg)
	return &engineMetrics{
		exchanges: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncExchangesN,
			Help: metrics.SyncExchangesH,
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncFailuresN,
			Help: metrics.SyncFailuresH,
		}),
		offset: f.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncOffsetN,
			Help: metrics.SyncOffsetH,
		}),
		synchronized: f.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncSynchronizedN,
			Help: metrics.SyncSynchronizedH,
		}),
	}
}

// Engine keeps an estimate of the offset between the local clock and a
// reference clock. Reads never block; the state is only ever written by the
// engine's background loop.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	mtrcs *engineMetrics
	state atomic.Pointer[Status]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(log *slog.Logger, cfg Config) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.BackoffInterval <= 0 {
		cfg.BackoffInterval = defaultBackoffFactor * cfg.SyncInterval
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}
	if cfg.StalenessBound == 0 {
		cfg.StalenessBound = defaultStalenessBound
	}
	if cfg.Clock == nil {
		cfg.Clock = clocks.NewSystemClock(log)
	}
	if cfg.Filter == nil {
		cfg.Filter = measurements.NewLuckyPacketFilter(1, 1)
	}
	if cfg.NewReferenceClock == nil {
		cfg.NewReferenceClock = func(addr string) client.ReferenceClock {
			return client.NewNTPReferenceClock(log, addr)
		}
	}
	e := &Engine{
		log:   log,
		cfg:   cfg,
		mtrcs: newEngineMetrics(cfg.Registerer),
	}
	e.state.Store(&Status{})
	return e
}

// Start launches the synchronization loop against the reference clock at
// referenceAddr. An empty address puts the engine into degraded mode: the
// offset is 0 and no exchanges take place. Start is a no-op while running.
func (e *Engine) Start(referenceAddr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel, e.done = cancel, done

	if referenceAddr == "" {
		e.log.LogAttrs(ctx, slog.LevelWarn,
			"no reference clock configured, running unsynchronized")
		e.publish(Status{Degraded: true, Running: true})
		go func() {
			defer close(done)
			<-ctx.Done()
		}()
		return
	}

	st := *e.state.Load()
	st.Degraded = false
	st.Running = true
	e.publish(st)
	e.cfg.Filter.Reset()

	ref := e.cfg.NewReferenceClock(referenceAddr)
	e.log.LogAttrs(ctx, slog.LevelInfo, "starting clock synchronization",
		slog.String("reference", referenceAddr),
		slog.Duration("interval", e.cfg.SyncInterval),
	)
	go e.run(ctx, ref, done)
}

// Stop terminates the synchronization loop and waits for it to exit. The
// state is frozen afterwards until the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel, e.done = nil, nil

	st := *e.state.Load()
	st.Running = false
	e.publish(st)
}

func (e *Engine) OffsetNs() int64 {
	return e.state.Load().OffsetNs
}

// Offset returns the offset and synchronized flag of one state snapshot.
func (e *Engine) Offset() (offsetNs int64, synchronized bool) {
	st := e.state.Load()
	return st.OffsetNs, st.Synchronized
}

func (e *Engine) IsSynchronized() bool {
	return e.state.Load().Synchronized
}

func (e *Engine) Status() Status {
	return *e.state.Load()
}

func (e *Engine) publish(st Status) {
	e.state.Store(&st)
	e.mtrcs.offset.Set(time.Duration(st.OffsetNs).Seconds())
	if st.Synchronized {
		e.mtrcs.synchronized.Set(1)
	} else {
		e.mtrcs.synchronized.Set(0)
	}
}

func (e *Engine) run(ctx context.Context, ref client.ReferenceClock, done chan<- struct{}) {
	defer close(done)
	for {
		ok := e.exchange(ctx, ref)
		if ctx.Err() != nil {
			return
		}
		d := e.cfg.SyncInterval
		if !ok {
			d = e.cfg.BackoffInterval
		}
		if err := e.cfg.Clock.Sleep(ctx, d); err != nil {
			return
		}
	}
}

func (e *Engine) exchange(ctx context.Context, ref client.ReferenceClock) bool {
	e.mtrcs.exchanges.Inc()

	qctx, cancel := context.WithTimeout(ctx, e.cfg.ExchangeTimeout)
	t1 := e.cfg.Clock.Now().UnixNano()
	masterTime, err := ref.QueryReferenceTime(qctx)
	t4 := e.cfg.Clock.Now().UnixNano()
	cancel()

	if ctx.Err() != nil {
		// Stopped mid-exchange: drop the result without counting it.
		return false
	}

	if err == nil {
		s := measurements.Sample{T1: t1, MasterTime: masterTime, T4: t4}
		err = s.Validate()
		if err == nil {
			e.accept(ctx, s)
			return true
		}
	}

	e.mtrcs.failures.Inc()
	st := *e.state.Load()
	st.ConsecutiveFailures++
	if st.Synchronized && st.ConsecutiveFailures > e.cfg.StalenessBound {
		st.Synchronized = false
		e.log.LogAttrs(ctx, slog.LevelWarn, "clock offset is stale",
			slog.Uint64("consecutive_failures", uint64(st.ConsecutiveFailures)),
			slog.Int64("offset_ns", st.OffsetNs),
		)
	}
	e.publish(st)
	e.log.LogAttrs(ctx, slog.LevelInfo, "failed to measure clock offset",
		slog.Uint64("consecutive_failures", uint64(st.ConsecutiveFailures)),
		slog.Any("error", err),
	)
	return false
}

func (e *Engine) accept(ctx context.Context, s measurements.Sample) {
	st := *e.state.Load()
	st.ConsecutiveFailures = 0

	f, ok := e.cfg.Filter.Do(s)
	if !ok {
		e.publish(st)
		return
	}

	st.OffsetNs = f.Offset()
	st.Synchronized = true
	st.LastSuccessAt = s.T4
	e.publish(st)

	e.log.LogAttrs(ctx, slog.LevelDebug, "measured clock offset",
		slog.Int64("offset_ns", st.OffsetNs),
		slog.Int64("delay_ns", f.Delay()),
	)
}
