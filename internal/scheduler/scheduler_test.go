package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/miradorstack/mirador-immune/internal/utils"
)

func TestSchedulerRunsJobsAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(utils.DiscardLogger())
	var runs, failures atomic.Int32
	if err := s.Every("decay", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("every: %v", err)
	}
	if err := s.Every("flaky", time.Second, func(ctx context.Context) error {
		failures.Add(1)
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("every: %v", err)
	}
	if err := s.Add("panics", "@every 1s", func(ctx context.Context) error {
		panic("job panic")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 || failures.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("jobs did not run: runs=%d failures=%d", runs.Load(), failures.Load())
		}
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSchedulerRejectsBadSchedules(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(utils.DiscardLogger())
	noop := func(context.Context) error { return nil }
	if err := s.Every("zero", 0, noop); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if err := s.Add("bad", "not a spec", noop); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
	if err := s.Every("dup", time.Minute, noop); err != nil {
		t.Fatalf("every: %v", err)
	}
	if err := s.Every("dup", time.Minute, noop); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if got := s.Jobs(); len(got) != 1 {
		t.Fatalf("jobs = %v", got)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
