// Driver for quick experiments

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"example.com/pathtime/base/logbase"
	"example.com/pathtime/core/timer"
	"example.com/pathtime/driver/clocks"
	"example.com/pathtime/net/icmp"
	"example.com/pathtime/net/ip"
)

func runT() {
	var (
		raddr    string
		ttl      int
		periodic bool
	)

	toolFlags := flag.NewFlagSet("t", flag.ExitOnError)
	toolFlags.StringVar(&raddr, "remote", "", "Remote address")
	toolFlags.IntVar(&ttl, "ttl", 64, "Time to live, must be in range [1, 255]")
	toolFlags.BoolVar(&periodic, "periodic", false, "Perform periodic hop measurements")

	err := toolFlags.Parse(os.Args[2:])
	if err != nil || toolFlags.NArg() != 0 {
		panic("failed to parse arguments")
	}
	if ttl < 1 || ttl > 255 {
		panic("invalid TTL")
	}

	initLogger(logLevelVerbose, "")
	log := slog.Default()

	ctx := context.Background()

	target, err := ip.ParseTarget(raddr)
	if err != nil {
		logbase.Fatal(log, "failed to parse remote address", slog.Any("error", err))
	}

	lclk := clocks.NewSystemClock(log)
	clk := timer.NewClock(lclk, nil)
	p := icmp.NewProber(log)

	for {
		start := clk.StartMeasurement()
		from, ok, err := p.ProbeHop(ctx, target, ttl, time.Second)
		res := clk.EndMeasurement(start)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelInfo, "failed to probe hop", slog.Any("error", err))
		} else if !ok {
			fmt.Printf("%s,%d,*\n", timer.FormatTimestamp(res.StartNs), ttl)
		} else {
			fmt.Printf("%s,%d,%s,%.3f\n", timer.FormatTimestamp(res.StartNs), ttl, from, res.LatencyUs())
		}
		if !periodic {
			break
		}
		_ = lclk.Sleep(ctx, time.Second)
	}
}
