package benchmark

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"example.com/pathtime/base/timebase"

	"example.com/pathtime/core/client"
	"example.com/pathtime/core/measurements"
)

type Config struct {
	NumClients        int
	RequestsPerClient int
	Timeout           time.Duration
}

// RunReferenceBenchmark runs concurrent exchanges against ref and prints the
// distribution of the measured one-way delays in microseconds to w.
func RunReferenceBenchmark(ctx context.Context, log *slog.Logger, ref client.ReferenceClock,
	clk timebase.LocalClock, cfg Config, w io.Writer) *hdrhistogram.Histogram {
	dlog := slog.New(slog.DiscardHandler)

	var mu sync.Mutex
	hg := hdrhistogram.New(1, 50_000_000, 5)
	var failures int

	sg := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(cfg.NumClients)

	for range cfg.NumClients {
		go func() {
			defer wg.Done()
			local := hdrhistogram.New(1, 50_000_000, 5)
			var n int
			<-sg
			for range cfg.RequestsPerClient {
				ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
				t1 := clk.Now().UnixNano()
				masterTime, err := ref.QueryReferenceTime(ctx)
				t4 := clk.Now().UnixNano()
				cancel()
				if err == nil {
					s := measurements.Sample{T1: t1, MasterTime: masterTime, T4: t4}
					err = s.Validate()
					if err == nil {
						_ = local.RecordValue(max(1, s.Delay()/1_000))
						continue
					}
				}
				n++
				dlog.LogAttrs(ctx, slog.LevelInfo,
					"failed to query reference clock",
					slog.Any("error", err),
				)
			}
			mu.Lock()
			defer mu.Unlock()
			hg.Merge(local)
			failures += n
		}()
	}
	t0 := time.Now()
	close(sg)
	wg.Wait()
	log.LogAttrs(ctx, slog.LevelInfo, "time elapsed",
		slog.Duration("duration", time.Since(t0)),
		slog.Int64("exchanges", hg.TotalCount()),
		slog.Int("failures", failures),
	)
	if hg.TotalCount() != 0 {
		_, _ = hg.PercentilesPrint(w, 1, 1.0)
	}
	return hg
}
