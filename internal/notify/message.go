// Package notify publishes workflow notifications for the notification
// layer: step assignments and instance completions.
package notify

import (
	"time"

	"github.com/pitabwire/passage/model"
)

// Message is the wire form of one workflow notification.
type Message struct {
	Event        string     `json:"event"`
	InstanceID   string     `json:"instance_id"`
	ExecutionID  string     `json:"execution_id,omitempty"`
	StepNumber   int        `json:"step_number,omitempty"`
	StepName     string     `json:"step_name,omitempty"`
	AssignedRole string     `json:"assigned_role,omitempty"`
	AssignedUser string     `json:"assigned_user,omitempty"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	Status       string     `json:"status,omitempty"`
	EntityType   string     `json:"entity_type,omitempty"`
	EntityID     string     `json:"entity_id,omitempty"`
	InitiatedBy  string     `json:"initiated_by,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// Event names carried by Message.
const (
	EventStepAssigned      = "step_assigned"
	EventInstanceCompleted = "instance_completed"
)

func assignedMessage(exec model.StepExecution, now time.Time) Message {
	return Message{
		Event:        EventStepAssigned,
		InstanceID:   exec.InstanceID,
		ExecutionID:  exec.ID,
		StepNumber:   exec.StepNumber,
		StepName:     exec.StepName,
		AssignedRole: exec.AssignedRole,
		AssignedUser: exec.AssignedUser,
		DueAt:        exec.DueAt,
		Status:       string(exec.Status),
		OccurredAt:   now,
	}
}

func completedMessage(inst model.WorkflowInstance, now time.Time) Message {
	return Message{
		Event:       EventInstanceCompleted,
		InstanceID:  inst.ID,
		Status:      string(inst.Status),
		EntityType:  inst.EntityType,
		EntityID:    inst.EntityID,
		InitiatedBy: inst.InitiatedBy,
		OccurredAt:  now,
	}
}
