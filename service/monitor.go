package service

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/pathtime/base/metrics"

	"example.com/pathtime/core/analysis"
	"example.com/pathtime/core/policy"
	"example.com/pathtime/core/sync"
	"example.com/pathtime/core/trace"
)

type MonitorConfig struct {
	Targets    []string
	MaxHops    int
	HopTimeout time.Duration
	Workers    int
	Interval   time.Duration
	Format     string
	Output     io.Writer
	Registerer prometheus.Registerer

	// Compliance, if set, is written to Output when the monitor stops.
	Compliance *policy.Framework
}

type monitorMetrics struct {
	cycles      prometheus.Counter
	pathLatency *prometheus.GaugeVec
	pathHops    *prometheus.GaugeVec
}

func newMonitorMetrics(reg prometheus.Registerer) *monitorMetrics {
	f := promauto.With(reg)
	return &monitorMetrics{
		cycles: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.MonitorCyclesN,
			Help: metrics.MonitorCyclesH,
		}),
		pathLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: metrics.MonitorPathLatencyN,
			Help: metrics.MonitorPathLatencyH,
		}, []string{"target"}),
		pathHops: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: metrics.MonitorPathHopsN,
			Help: metrics.MonitorPathHopsH,
		}, []string{"target"}),
	}
}

// RunPathMonitor probes all targets every interval until ctx is done,
// writing one record per target and cycle to cfg.Output, followed by the
// compliance report on shutdown.
func RunPathMonitor(ctx context.Context, log *slog.Logger, p *trace.Prober, a analysis.Analyzer,
	e *sync.Engine, cfg MonitorConfig) {
	mtrcs := newMonitorMetrics(cfg.Registerer)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		runMonitorCycle(ctx, log, p, a, e, cfg, mtrcs)
		select {
		case <-ctx.Done():
			log.LogAttrs(ctx, slog.LevelInfo, "stopping path monitor")
			if cfg.Compliance != nil {
				err := WriteComplianceReport(cfg.Output, cfg.Format, cfg.Compliance.Report())
				if err != nil {
					log.LogAttrs(ctx, slog.LevelError, "failed to write compliance report",
						slog.Any("error", err))
				}
			}
			return
		case <-ticker.C:
		}
	}
}

func runMonitorCycle(ctx context.Context, log *slog.Logger, p *trace.Prober, a analysis.Analyzer,
	e *sync.Engine, cfg MonitorConfig, mtrcs *monitorMetrics) {
	mtrcs.cycles.Inc()
	if len(cfg.Targets) == 0 {
		log.LogAttrs(ctx, slog.LevelWarn, "no targets to probe, skipping cycle")
		return
	}

	results := p.ProbeAll(ctx, cfg.Targets, cfg.MaxHops, cfg.HopTimeout, cfg.Workers)
	for _, res := range results {
		rec := Record{Trace: res.Trace}
		if e != nil {
			rec.Clock = e.Status()
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
			log.LogAttrs(ctx, slog.LevelError, "failed to probe target",
				slog.String("target", res.Target), slog.Any("error", res.Err))
		}
		if res.Trace != nil {
			rec.Report = a.Analyze(res.Trace)
			mtrcs.pathLatency.WithLabelValues(res.Target).Set(rec.Report.TotalLatencyUs)
			mtrcs.pathHops.WithLabelValues(res.Target).Set(float64(rec.Report.TotalHops))
		}
		err := WriteRecord(cfg.Output, cfg.Format, rec)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelError, "failed to write record",
				slog.String("target", res.Target), slog.Any("error", err))
		}
	}
}
