// Package sweep runs periodic cleanup jobs against the server-side stores.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// DefaultInterval is how often jobs run when no interval is configured.
const DefaultInterval = 5 * time.Minute

// Job removes dead entries from one store and reports how many it removed.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Runner executes its jobs on a fixed interval. Jobs must be idempotent
// and safe to run alongside request handling.
type Runner struct {
	clock    clock.WithTicker
	interval time.Duration
	jobs     []Job
	logger   *slog.Logger

	// Observe, when set, is called after each successful job run.
	Observe func(job string, removed int)
}

// New creates a runner. A nil clock uses wall time; a zero interval uses
// DefaultInterval.
func New(clk clock.WithTicker, interval time.Duration, logger *slog.Logger, jobs ...Job) *Runner {
	if clk == nil {
		clk = clock.RealClock{}
	}

	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Runner{clock: clk, interval: interval, jobs: jobs, logger: logger}
}

// Run blocks, running every job each interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("sweep runner started", slog.Duration("interval", r.interval), slog.Int("jobs", len(r.jobs)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			r.RunOnce(ctx)
		}
	}
}

// RunOnce runs every job once. A failing job is logged and does not stop
// the others.
func (r *Runner) RunOnce(ctx context.Context) {
	for _, job := range r.jobs {
		n, err := job.Run(ctx)
		if err != nil {
			r.logger.Warn("sweep failed", slog.String("job", job.Name), slog.String("error", err.Error()))
			continue
		}

		if n > 0 {
			r.logger.Debug("swept expired entries", slog.String("job", job.Name), slog.Int("removed", n))
		}

		if r.Observe != nil {
			r.Observe(job.Name, n)
		}
	}
}
