package model

import "context"

// ApproverDirectory resolves the users holding a role. The engine stores the
// role on an execution and only resolves users for display and notification.
type ApproverDirectory interface {
	ResolveApprover(ctx context.Context, role string) ([]string, error)
}

// EntityStatusSink reflects a workflow outcome onto the originating business
// record.
type EntityStatusSink interface {
	SetStatus(ctx context.Context, entityType, entityID string, status InstanceStatus) error
}

// EventSink receives fire-and-forget notifications for the notification
// layer. Implementations must not block for long and their failures never
// affect the workflow transition that produced the event.
type EventSink interface {
	OnStepAssigned(ctx context.Context, exec StepExecution) error
	OnInstanceCompleted(ctx context.Context, inst WorkflowInstance) error
}
