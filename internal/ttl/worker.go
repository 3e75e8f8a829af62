package ttl

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Sweeper is one periodic maintenance step. It returns the number of items
// it removed or changed.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// SweepFunc adapts a function to Sweeper.
type SweepFunc func(ctx context.Context) (int64, error)

func (f SweepFunc) Sweep(ctx context.Context) (int64, error) {
	return f(ctx)
}

// Job names a sweeper for logging.
type Job struct {
	Name    string
	Sweeper Sweeper
	// Quiet suppresses the info log when the sweeper reports work done.
	Quiet bool
}

// Start runs every job once per interval, in order, until ctx is done.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, jobs ...Job) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunOnce(ctx, logger, jobs...)
		}
	}
}

// RunOnce runs each job a single time. A failing job does not stop the rest.
func RunOnce(ctx context.Context, logger *log.Logger, jobs ...Job) {
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		n, err := job.Sweeper.Sweep(ctx)
		if err != nil {
			logger.Warn("sweep failed", "job", job.Name, "error", err)
			continue
		}
		if n > 0 && !job.Quiet {
			logger.Info("sweep removed expired entries", "job", job.Name, "count", n)
		}
	}
}
