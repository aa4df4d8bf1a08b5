// Path latency measurement service

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/mmcloughlin/profile"
	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"example.com/pathtime/base/logbase"
	"example.com/pathtime/base/timemath"

	"example.com/pathtime/benchmark"

	"example.com/pathtime/core/analysis"
	"example.com/pathtime/core/client"
	"example.com/pathtime/core/measurements"
	"example.com/pathtime/core/policy"
	"example.com/pathtime/core/sync"
	"example.com/pathtime/core/timer"
	"example.com/pathtime/core/trace"

	"example.com/pathtime/driver/clocks"

	"example.com/pathtime/net/dns"
	"example.com/pathtime/net/icmp"

	"example.com/pathtime/service"
)

const (
	logLevelQuiet = iota
	logLevelDefault
	logLevelVerbose

	initialSyncWait = 3 * time.Second
)

type svcConfig struct {
	ReferenceAddr          string   `toml:"reference_address,omitempty"`
	SyncInterval           float64  `toml:"sync_interval,omitempty"`
	SyncBackoffInterval    float64  `toml:"sync_backoff_interval,omitempty"`
	SyncTimeout            float64  `toml:"sync_timeout,omitempty"`
	StalenessBound         int      `toml:"staleness_bound,omitempty"`
	FilterType             string   `toml:"filter_type,omitempty"`
	FilterSize             int      `toml:"filter_size,omitempty"`
	FilterPick             int      `toml:"filter_pick,omitempty"`
	Targets                []string `toml:"targets,omitempty"`
	MaxHops                int      `toml:"max_hops,omitempty"`
	HopTimeout             float64  `toml:"hop_timeout,omitempty"`
	ResolveTimeout         float64  `toml:"resolve_timeout,omitempty"`
	DNSServer              string   `toml:"dns_server,omitempty"`
	ProbeRate              float64  `toml:"probe_rate,omitempty"` // hop probes per second, 0 = unlimited
	ProbeWorkers           int      `toml:"probe_workers,omitempty"`
	ProbeInterval          float64  `toml:"probe_interval,omitempty"`
	HighLatencyThreshold   float64  `toml:"high_latency_threshold,omitempty"`
	LocalMetricsAddr       string   `toml:"local_metrics_address,omitempty"`
	LogFile                string   `toml:"log_file,omitempty"`
	ReportFormat           string   `toml:"report_format,omitempty"`
	ResearchOnly           *bool    `toml:"research_only,omitempty"`
	TransparentMethodology *bool    `toml:"transparent_methodology,omitempty"`
}

func initLogger(logLevel int, logFile string) {
	var h slog.Handler
	if logLevel == logLevelQuiet {
		h = slog.DiscardHandler
	} else {
		var (
			addSource   bool
			level       slog.Leveler
			replaceAttr func(groups []string, a slog.Attr) slog.Attr
		)
		if logLevel == logLevelVerbose {
			_, f, _, ok := runtime.Caller(0)
			var basepath string
			if ok {
				basepath = filepath.Dir(f)
			}
			addSource = true
			level = slog.LevelDebug
			replaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.SourceKey {
					source := a.Value.Any().(*slog.Source)
					if basepath == "" {
						source.File = filepath.Base(source.File)
					} else {
						relpath, err := filepath.Rel(basepath, source.File)
						if err != nil {
							source.File = filepath.Base(source.File)
						} else {
							source.File = relpath
						}
					}
				}
				return a
			}
		}
		h = slog.NewTextHandler(logbase.Writer(logFile), &slog.HandlerOptions{
			AddSource:   addSource,
			Level:       level,
			ReplaceAttr: replaceAttr,
		})
	}
	slog.SetDefault(slog.New(h))
}

func showInfo() {
	bi, ok := debug.ReadBuildInfo()
	if ok {
		fmt.Print(bi.String())
	}
}

func runMonitor(ctx context.Context, cfg svcConfig) {
	if cfg.LocalMetricsAddr == "" {
		return
	}
	srv := &http.Server{Addr: cfg.LocalMetricsAddr, Handler: promhttp.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		err := srv.ListenAndServe()
		if err != http.ErrServerClosed {
			logbase.Fatal(slog.Default(), "failed to serve metrics", slog.Any("error", err))
		}
	}()
}

func loadConfig(configFile string) svcConfig {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		logbase.Fatal(slog.Default(), "failed to load configuration", slog.Any("error", err))
	}
	cfg, err := decodeConfig(raw)
	if err != nil {
		logbase.Fatal(slog.Default(), "failed to decode configuration", slog.Any("error", err))
	}
	return cfg
}

func decodeConfig(raw []byte) (svcConfig, error) {
	var cfg svcConfig
	err := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	return cfg, err
}

func filterConfig(cfg svcConfig) (size, pick int) {
	size, pick = cfg.FilterSize, cfg.FilterPick
	if size == 0 {
		size = 1
	}
	if pick == 0 {
		pick = 1
	}
	if size < 1 || pick < 1 || pick > size {
		logbase.Fatal(slog.Default(), "invalid filter configuration specified in config")
	}
	return
}

func syncConfig(cfg svcConfig) sync.Config {
	const (
		defaultSyncInterval   = 1000 * time.Millisecond
		defaultSyncTimeout    = 3000 * time.Millisecond
		defaultStalenessBound = 5
	)

	if cfg.SyncInterval < 0 || cfg.SyncBackoffInterval < 0 || cfg.SyncTimeout < 0 {
		logbase.Fatal(slog.Default(), "invalid sync timing specified in config")
	}
	if cfg.StalenessBound < 0 {
		logbase.Fatal(slog.Default(), "invalid staleness bound specified in config")
	}

	syncCfg := sync.Config{
		SyncInterval:    timemath.Duration(cfg.SyncInterval),
		BackoffInterval: timemath.Duration(cfg.SyncBackoffInterval),
		ExchangeTimeout: timemath.Duration(cfg.SyncTimeout),
		StalenessBound:  uint32(cfg.StalenessBound),
	}

	if syncCfg.SyncInterval == 0 {
		syncCfg.SyncInterval = defaultSyncInterval
	}
	if syncCfg.BackoffInterval == 0 {
		syncCfg.BackoffInterval = 5 * syncCfg.SyncInterval
	}
	if syncCfg.ExchangeTimeout == 0 {
		syncCfg.ExchangeTimeout = defaultSyncTimeout
	}
	if syncCfg.StalenessBound == 0 {
		syncCfg.StalenessBound = defaultStalenessBound
	}

	size, pick := filterConfig(cfg)
	switch cfg.FilterType {
	case "", "lucky":
		syncCfg.Filter = measurements.NewLuckyPacketFilter(size, pick)
	case "ntimed":
		syncCfg.Filter = measurements.NewNtimedFilter(slog.Default(), size, pick)
	default:
		logbase.Fatal(slog.Default(), "invalid filter type specified in config",
			slog.String("filter_type", cfg.FilterType))
	}

	return syncCfg
}

func probeConfig(cfg svcConfig) (maxHops int, hopTimeout time.Duration) {
	const (
		defaultMaxHops    = 30
		defaultHopTimeout = 3 * time.Second
	)
	if cfg.MaxHops < 0 || cfg.MaxHops > 255 {
		logbase.Fatal(slog.Default(), "invalid max hops value specified in config")
	}
	if cfg.HopTimeout < 0 {
		logbase.Fatal(slog.Default(), "invalid hop timeout specified in config")
	}
	maxHops, hopTimeout = cfg.MaxHops, timemath.Duration(cfg.HopTimeout)
	if maxHops == 0 {
		maxHops = defaultMaxHops
	}
	if hopTimeout == 0 {
		hopTimeout = defaultHopTimeout
	}
	return
}

func probeLimiter(cfg svcConfig) *rate.Limiter {
	if cfg.ProbeRate < 0 {
		logbase.Fatal(slog.Default(), "invalid probe rate specified in config")
	}
	if cfg.ProbeRate == 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.ProbeRate), 1)
}

func policyParams(cfg svcConfig) policy.Params {
	p := policy.Params{
		ResearchOnly:           true,
		TransparentMethodology: true,
	}
	if cfg.ResearchOnly != nil {
		p.ResearchOnly = *cfg.ResearchOnly
	}
	if cfg.TransparentMethodology != nil {
		p.TransparentMethodology = *cfg.TransparentMethodology
	}
	return p
}

func reportFormat(cfg svcConfig) string {
	if cfg.ReportFormat == "" {
		return service.FormatYAML
	}
	if !service.ValidFormat(cfg.ReportFormat) {
		logbase.Fatal(slog.Default(), "invalid report format specified in config",
			slog.String("format", cfg.ReportFormat))
	}
	return cfg.ReportFormat
}

func analyzer(cfg svcConfig) analysis.Analyzer {
	if cfg.HighLatencyThreshold < 0 {
		logbase.Fatal(slog.Default(), "invalid high latency threshold specified in config")
	}
	return analysis.Analyzer{
		HighLatencyThresholdNs: timemath.Duration(cfg.HighLatencyThreshold).Nanoseconds(),
	}
}

func resolver(cfg svcConfig) trace.Resolver {
	if cfg.ResolveTimeout < 0 {
		logbase.Fatal(slog.Default(), "invalid resolve timeout specified in config")
	}
	if cfg.DNSServer == "" {
		return net.DefaultResolver
	}
	server := cfg.DNSServer
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return dns.NewPTRResolver(server, timemath.Duration(cfg.ResolveTimeout))
}

func newEngine(log *slog.Logger, cfg svcConfig, reg prometheus.Registerer) *sync.Engine {
	syncCfg := syncConfig(cfg)
	syncCfg.Clock = clocks.NewSystemClock(log)
	syncCfg.Registerer = reg
	return sync.NewEngine(log, syncCfg)
}

func newProber(log *slog.Logger, cfg svcConfig, clk *timer.Clock, gate policy.Gate,
	reg prometheus.Registerer) *trace.Prober {
	maxHops, hopTimeout := probeConfig(cfg)
	return trace.NewProber(log, trace.Config{
		Hops:           icmp.NewProber(log),
		Clock:          clk,
		Resolver:       resolver(cfg),
		ResolveTimeout: timemath.Duration(cfg.ResolveTimeout),
		Gate:           gate,
		Params:         policyParams(cfg),
		Limiter:        probeLimiter(cfg),
		DefaultMaxHops: maxHops,
		DefaultTimeout: hopTimeout,
		Registerer:     reg,
	})
}

func waitForSync(ctx context.Context, e *sync.Engine, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for !e.IsSynchronized() && !e.Status().Degraded {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func runTrace(cfg svcConfig, targets []string, w io.Writer) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := slog.Default()

	e := newEngine(log, cfg, nil)
	e.Start(cfg.ReferenceAddr)
	defer e.Stop()
	waitForSync(ctx, e, initialSyncWait)

	lclk := clocks.NewSystemClock(log)
	compliance := policy.NewFramework(log, policy.DefaultRules()...)
	p := newProber(log, cfg, timer.NewClock(lclk, e), compliance, nil)
	a := analyzer(cfg)
	format := reportFormat(cfg)

	maxHops, hopTimeout := probeConfig(cfg)
	for _, res := range p.ProbeAll(ctx, targets, maxHops, hopTimeout, cfg.ProbeWorkers) {
		rec := service.Record{Trace: res.Trace, Clock: e.Status()}
		if res.Err != nil {
			rec.Error = res.Err.Error()
			log.LogAttrs(ctx, slog.LevelError, "failed to probe target",
				slog.String("target", res.Target), slog.Any("error", res.Err))
		}
		if res.Trace != nil {
			rec.Report = a.Analyze(res.Trace)
		}
		err := service.WriteRecord(w, format, rec)
		if err != nil {
			logbase.Fatal(log, "failed to write record", slog.Any("error", err))
		}
	}
	err := service.WriteComplianceReport(w, format, compliance.Report())
	if err != nil {
		logbase.Fatal(log, "failed to write compliance report", slog.Any("error", err))
	}
}

func runService(cfg svcConfig) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := slog.Default()

	if cfg.ProbeInterval < 0 {
		logbase.Fatal(log, "invalid probe interval specified in config")
	}
	interval := timemath.Duration(cfg.ProbeInterval)
	if interval == 0 {
		interval = time.Minute
	}

	reg := prometheus.DefaultRegisterer

	e := newEngine(log, cfg, reg)
	e.Start(cfg.ReferenceAddr)
	defer e.Stop()

	lclk := clocks.NewSystemClock(log)
	compliance := policy.NewFramework(log, policy.DefaultRules()...)
	p := newProber(log, cfg, timer.NewClock(lclk, e), compliance, reg)
	maxHops, hopTimeout := probeConfig(cfg)

	runMonitor(ctx, cfg)

	service.RunPathMonitor(ctx, log, p, analyzer(cfg), e, service.MonitorConfig{
		Targets:    cfg.Targets,
		MaxHops:    maxHops,
		HopTimeout: hopTimeout,
		Workers:    cfg.ProbeWorkers,
		Interval:   interval,
		Format:     reportFormat(cfg),
		Output:     os.Stdout,
		Registerer: reg,
		Compliance: compliance,
	})
}

func runTool(referenceAddr string, periodic bool) {
	log := slog.Default()
	lclk := clocks.NewSystemClock(log)
	ref := client.NewNTPReferenceClock(log, referenceAddr)

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		t1 := lclk.Now().UnixNano()
		masterTime, err := ref.QueryReferenceTime(ctx)
		t4 := lclk.Now().UnixNano()
		cancel()
		s := measurements.Sample{T1: t1, MasterTime: masterTime, T4: t4}
		if err == nil {
			err = s.Validate()
		}
		if err != nil {
			log.LogAttrs(ctx, slog.LevelInfo, "failed to measure clock offset",
				slog.String("reference", referenceAddr), slog.Any("error", err))
		}
		if !periodic {
			if err == nil {
				fmt.Printf("%s,%+.9f\n", timer.FormatTimestamp(t4), time.Duration(s.Offset()).Seconds())
			}
			break
		}
		if err == nil {
			fmt.Printf("%s,%+.9f,%+.9f\n", timer.FormatTimestamp(t4),
				time.Duration(s.Offset()).Seconds(), time.Duration(s.Delay()).Seconds())
		}
		_ = lclk.Sleep(context.Background(), 8*time.Second)
	}
}

func runBenchmark(configFile string) {
	cfg := loadConfig(configFile)
	log := slog.Default()

	if cfg.ReferenceAddr == "" {
		logbase.Fatal(log, "reference_address not specified in config")
	}
	syncCfg := syncConfig(cfg)

	dlog := slog.New(slog.DiscardHandler)
	benchmark.RunReferenceBenchmark(context.Background(), log,
		client.NewNTPReferenceClock(dlog, cfg.ReferenceAddr),
		clocks.NewSystemClock(dlog),
		benchmark.Config{
			NumClients:        10,
			RequestsPerClient: 100,
			Timeout:           syncCfg.ExchangeTimeout,
		},
		os.Stdout)
}

func exitWithUsage() {
	fmt.Println("<usage>")
	fmt.Println("  pathtime info")
	fmt.Println("  pathtime trace [-quiet | -verbose] [-config <file>] [-reference <addr>] [-max-hops <n>] [-timeout <d>] [-format yaml|json] [<target>...]")
	fmt.Println("  pathtime run [-quiet | -verbose] -config <file>")
	fmt.Println("  pathtime tool [-quiet | -verbose] -reference <addr> [-periodic]")
	fmt.Println("  pathtime benchmark [-quiet | -verbose] -config <file>")
	os.Exit(1)
}

func main() {
	var (
		quiet         bool
		verbose       bool
		configFile    string
		referenceAddr string
		format        string
		maxHops       int
		hopTimeout    time.Duration
		periodic      bool
	)

	infoFlags := flag.NewFlagSet("info", flag.ExitOnError)
	traceFlags := flag.NewFlagSet("trace", flag.ExitOnError)
	runFlags := flag.NewFlagSet("run", flag.ExitOnError)
	toolFlags := flag.NewFlagSet("tool", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	prof := profile.New(profile.CPUProfile, profile.MemProfile)

	traceFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	traceFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	traceFlags.StringVar(&configFile, "config", "", "Config file")
	traceFlags.StringVar(&referenceAddr, "reference", "", "Reference clock address (NTP server)")
	traceFlags.StringVar(&format, "format", "", "Report format, yaml or json")
	traceFlags.IntVar(&maxHops, "max-hops", 0, "Maximum number of hops")
	traceFlags.DurationVar(&hopTimeout, "timeout", 0, "Per-hop timeout")

	runFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	runFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	runFlags.StringVar(&configFile, "config", "", "Config file")
	prof.SetFlags(runFlags)

	toolFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	toolFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	toolFlags.StringVar(&referenceAddr, "reference", "", "Reference clock address (NTP server)")
	toolFlags.BoolVar(&periodic, "periodic", false, "Perform periodic offset measurements")

	benchmarkFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&configFile, "config", "", "Config file")
	prof.SetFlags(benchmarkFlags)

	logLevel := func() int {
		if quiet && verbose {
			exitWithUsage()
		}
		if quiet {
			return logLevelQuiet
		}
		if verbose {
			return logLevelVerbose
		}
		return logLevelDefault
	}

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case infoFlags.Name():
		err := infoFlags.Parse(os.Args[2:])
		if err != nil || infoFlags.NArg() != 0 {
			exitWithUsage()
		}
		showInfo()
	case traceFlags.Name():
		err := traceFlags.Parse(os.Args[2:])
		if err != nil {
			exitWithUsage()
		}
		if maxHops < 0 || maxHops > 255 || hopTimeout < 0 {
			exitWithUsage()
		}
		if format != "" && !service.ValidFormat(format) {
			exitWithUsage()
		}
		initLogger(logLevel(), "")
		var cfg svcConfig
		if configFile != "" {
			cfg = loadConfig(configFile)
		}
		if referenceAddr != "" {
			cfg.ReferenceAddr = referenceAddr
		}
		if format != "" {
			cfg.ReportFormat = format
		}
		if maxHops != 0 {
			cfg.MaxHops = maxHops
		}
		if hopTimeout != 0 {
			cfg.HopTimeout = hopTimeout.Seconds()
		}
		targets := traceFlags.Args()
		if len(targets) == 0 {
			targets = cfg.Targets
		}
		if len(targets) == 0 {
			exitWithUsage()
		}
		runTrace(cfg, targets, os.Stdout)
	case runFlags.Name():
		err := runFlags.Parse(os.Args[2:])
		if err != nil || runFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(logLevel(), "")
		cfg := loadConfig(configFile)
		if cfg.LogFile != "" {
			initLogger(logLevel(), cfg.LogFile)
		}
		defer prof.Start().Stop()
		runService(cfg)
	case toolFlags.Name():
		err := toolFlags.Parse(os.Args[2:])
		if err != nil || toolFlags.NArg() != 0 {
			exitWithUsage()
		}
		if referenceAddr == "" {
			exitWithUsage()
		}
		initLogger(logLevel(), "")
		runTool(referenceAddr, periodic)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(logLevel(), "")
		defer prof.Start().Stop()
		runBenchmark(configFile)
	case "t":
		runT()
	default:
		exitWithUsage()
	}
}
