// Package scheduler runs periodic maintenance such as lifting expired
// model limits and sweeping expired leases.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one maintenance step.
type Task func(ctx context.Context) error

// Scheduler wraps a cron runner. Overlapping runs of the same task are
// skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     *slog.Logger
	timeout time.Duration
}

// New creates a scheduler whose task runs are bounded by timeout.
func New(log *slog.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		log:     log,
		timeout: timeout,
	}
}

// Add registers task under schedule, e.g. "@every 1m" or "*/5 * * * *".
func (s *Scheduler) Add(schedule, name string, task Task) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.runOnce(name, task)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	return nil
}

func (s *Scheduler) runOnce(name string, task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := task(ctx); err != nil {
		s.log.Error("scheduled task failed", "task", name, "error", err)
		return
	}
	s.log.Debug("scheduled task finished", "task", name, "duration", time.Since(start))
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running tasks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Entries reports how many tasks are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
