package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/model"
)

// ReconcileEntityStatus retries the entity status sync of up to limit
// terminal instances whose outcome never reached their business record.
func (e *Engine) ReconcileEntityStatus(ctx context.Context, limit int) (result model.ReconcileResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.reconcile")
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordJobRun("reconcile", status, time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	pending, err := e.store.FindUnsynced(ctx, limit)
	if err != nil {
		return model.ReconcileResult{}, fmt.Errorf("find unsynced instances: %w", err)
	}

	result.Synced = []string{}
	result.Failed = []string{}
	for _, inst := range pending {
		result.Examined++
		if err := e.syncEntity(ctx, inst); err != nil {
			result.Failed = append(result.Failed, inst.ID)
			continue
		}
		result.Synced = append(result.Synced, inst.ID)
	}

	if result.Examined > 0 {
		observability.LoggerFrom(ctx, e.logger).Info("entity status reconciliation finished",
			zap.Int("examined", result.Examined),
			zap.Int("synced", len(result.Synced)),
			zap.Int("failed", len(result.Failed)),
		)
	}
	return result, nil
}
