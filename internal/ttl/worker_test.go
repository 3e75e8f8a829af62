package ttl

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestRunOnce_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	var calls []string
	RunOnce(context.Background(), logger,
		Job{Name: "broken", Sweeper: SweepFunc(func(context.Context) (int64, error) {
			calls = append(calls, "broken")
			return 0, errors.New("disk full")
		})},
		Job{Name: "cache", Sweeper: SweepFunc(func(context.Context) (int64, error) {
			calls = append(calls, "cache")
			return 3, nil
		})},
	)
	if len(calls) != 2 || calls[1] != "cache" {
		t.Fatalf("expected both jobs to run, got %v", calls)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	t.Parallel()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int64
	done := make(chan struct{})
	go func() {
		Start(ctx, logger, 5*time.Millisecond, Job{Name: "count", Sweeper: SweepFunc(func(context.Context) (int64, error) {
			runs.Add(1)
			return 0, nil
		})})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("worker did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
