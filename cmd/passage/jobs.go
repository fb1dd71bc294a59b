package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/workflow"
)

// jobRunner drives the periodic escalation sweep and entity reconciliation.
// Run metrics are recorded by the engine operations themselves.
type jobRunner struct {
	engine *workflow.Engine
	logger *zap.Logger
	wg     sync.WaitGroup
}

// start runs a job in the background until ctx is done.
func (j *jobRunner) start(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	j.wg.Go(func() { j.every(ctx, name, interval, fn) })
}

// wait blocks until every started job has returned.
func (j *jobRunner) wait() {
	j.wg.Wait()
}

// every runs fn on each tick of interval until ctx is done. A zero interval
// disables the job.
func (j *jobRunner) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		j.logger.Info("background job disabled", zap.String("job", name))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if err := fn(ctx); err != nil {
				j.logger.Error("background job failed", zap.String("job", name), zap.Error(err))
			}
		}
	}
}

func (j *jobRunner) sweep(ctx context.Context) error {
	result, err := j.engine.SweepOverdue(ctx, j.engine.Now())
	if err != nil {
		return err
	}
	if len(result.Escalated) > 0 {
		j.logger.Info("overdue steps escalated",
			zap.Int("examined", result.Examined),
			zap.Int("escalated", len(result.Escalated)),
		)
	}
	return nil
}

func (j *jobRunner) reconcile(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = 100
	}
	result, err := j.engine.ReconcileEntityStatus(ctx, limit)
	if err != nil {
		return err
	}
	if len(result.Synced) > 0 || len(result.Failed) > 0 {
		j.logger.Info("entity statuses reconciled",
			zap.Int("synced", len(result.Synced)),
			zap.Int("failed", len(result.Failed)),
		)
	}
	return nil
}
