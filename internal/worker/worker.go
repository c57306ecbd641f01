// internal/worker/worker.go
package worker

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Runner drives a bounded unit of work on a fixed interval. Each tick gets a
// fresh context with its own deadline, so no state leaks from one pass to the
// next and a stuck pass cannot delay shutdown forever.
type Runner struct {
	// Name appears in log lines.
	Name string
	// Interval between ticks.
	Interval time.Duration
	// Timeout bounds a single tick. Zero means half the interval.
	Timeout time.Duration
	// Task is the unit of work.
	Task func(ctx context.Context) error
}

// Run blocks until ctx is cancelled, invoking the task once per interval.
// A failing or panicking tick is logged and the loop keeps going.
func (r *Runner) Run(ctx context.Context) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = r.Interval / 2
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	log.Printf("worker %s: running every %s", r.Name, r.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker %s: stopped", r.Name)
			return
		case <-ticker.C:
		}

		tickCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := r.tick(tickCtx); err != nil {
			log.Printf("worker %s: tick failed: %v", r.Name, err)
		}
		cancel()
	}
}

func (r *Runner) tick(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Task(ctx)
}
