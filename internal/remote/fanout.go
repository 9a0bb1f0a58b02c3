package remote

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// HostResult is one host's outcome from a fan-out. A failed host carries
// its error here; it never aborts the rest of the fan-out.
type HostResult struct {
	Host   string
	Code   int
	Stdout string
	Stderr string
	Err    error
}

// FanOut executes one command against every endpoint using a bounded
// worker pool, collecting per-host results in input order.
func FanOut(ctx context.Context, pool *Pool, cfgs []Config, cmd string, maxWorkers int) []HostResult {
	if maxWorkers <= 0 {
		maxWorkers = 20
	}
	if maxWorkers > len(cfgs) {
		maxWorkers = len(cfgs)
	}

	results := make([]HostResult, len(cfgs))
	sem := semaphore.NewWeighted(int64(maxWorkers))
	var wg sync.WaitGroup

	for i, cfg := range cfgs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = HostResult{Host: cfg.Host, Code: -1, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int, cfg Config) {
			defer wg.Done()
			defer sem.Release(1)

			exec := NewSSHExecutor(pool, cfg)
			code, stdout, stderr, err := exec.Execute(ctx, cmd)
			results[i] = HostResult{
				Host:   cfg.Host,
				Code:   code,
				Stdout: stdout,
				Stderr: stderr,
				Err:    err,
			}
		}(i, cfg)
	}
	wg.Wait()
	return results
}
