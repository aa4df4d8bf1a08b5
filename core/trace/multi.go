package trace

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

const defaultProbeWorkers = 8

type Result struct {
	Target string     `json:"target" yaml:"target"`
	Trace  *PathTrace `json:"trace,omitempty" yaml:"trace,omitempty"`
	Err    error      `json:"-" yaml:"-"`
}

// ProbeAll probes all targets concurrently, at most workers at a time. The
// results are in the order of targets.
func (p *Prober) ProbeAll(ctx context.Context, targets []string, maxHops int, perHopTimeout time.Duration,
	workers int) []Result {
	if workers <= 0 {
		workers = defaultProbeWorkers
	}
	results := make([]Result, len(targets))
	for i, target := range targets {
		results[i].Target = target
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		for i := range results {
			results[i].Err = err
		}
		return results
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i].Trace, results[i].Err = p.Probe(ctx, results[i].Target, maxHops, perHopTimeout)
		})
		if err != nil {
			results[i].Err = err
			wg.Done()
		}
	}
	wg.Wait()
	return results
}
