package ticker

import (
	"context"
	"log/slog"
	"time"
)

// A named background job, such as a gossip round or a sweep.
type Task struct {
	Name     string
	Interval time.Duration
	// also run once immediately, before the first tick
	RunAtStart bool
	Fn         func(context.Context) error
}

// Periodically runs the task at its interval until the context is done. Task failures are logged and do not stop the loop.
func Periodically(ctx context.Context, logger *slog.Logger, task Task) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("task", task.Name)

	run := func() {
		start := time.Now()
		if err := task.Fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("periodic task failed", "err", err, "duration", time.Since(start))
			taskRuns.WithLabelValues(task.Name, "error").Inc()
			return
		}
		taskRuns.WithLabelValues(task.Name, "ok").Inc()
		logger.Debug("periodic task finished", "duration", time.Since(start))
	}

	if task.RunAtStart {
		run()
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}
