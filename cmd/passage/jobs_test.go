package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/internal/workflow"
)

func newTestJobRunner(t *testing.T) (*jobRunner, *observability.Metrics) {
	t.Helper()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine := workflow.NewEngine(workflow.Deps{
		Store:   workflow.NewMemoryStore(),
		Metrics: metrics,
		Logger:  zap.NewNop(),
	})
	return &jobRunner{engine: engine, logger: zap.NewNop()}, metrics
}

func TestJobRunner_every_recordsEachRunOnce(t *testing.T) {
	jobs, metrics := newTestJobRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := 0
	jobs.start(ctx, "sweep", 10*time.Millisecond, func(ctx context.Context) error {
		runs++
		defer cancel()
		return jobs.sweep(ctx)
	})
	jobs.wait()

	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
	got := testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("sweep", "ok"))
	if got != 1 {
		t.Errorf("job runs metric = %v, want 1", got)
	}
}

func TestJobRunner_reconcile_recordsOnce(t *testing.T) {
	jobs, metrics := newTestJobRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs.start(ctx, "reconcile", 10*time.Millisecond, func(ctx context.Context) error {
		defer cancel()
		return jobs.reconcile(ctx, 0)
	})
	jobs.wait()

	got := testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("reconcile", "ok"))
	if got != 1 {
		t.Errorf("job runs metric = %v, want 1", got)
	}
}

func TestJobRunner_every_zeroIntervalDisabled(t *testing.T) {
	jobs, metrics := newTestJobRunner(t)

	jobs.start(context.Background(), "sweep", 0, jobs.sweep)
	jobs.wait()

	if got := testutil.CollectAndCount(metrics.JobRunsTotal); got != 0 {
		t.Errorf("job runs series = %d, want 0", got)
	}
}

func TestJobRunner_wait_returnsAfterCancel(t *testing.T) {
	jobs, _ := newTestJobRunner(t)
	ctx, cancel := context.WithCancel(context.Background())

	jobs.start(ctx, "sweep", time.Hour, jobs.sweep)
	jobs.start(ctx, "reconcile", time.Hour, func(ctx context.Context) error {
		return jobs.reconcile(ctx, 10)
	})
	cancel()

	done := make(chan struct{})
	go func() {
		jobs.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait() did not return after cancel")
	}
}
