package model

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

// Workflow instance status constants. Everything except pending is terminal.
const (
	InstancePending   InstanceStatus = "pending"
	InstanceApproved  InstanceStatus = "approved"
	InstanceRejected  InstanceStatus = "rejected"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceApproved || s == InstanceRejected || s == InstanceCancelled
}

// Label is the display form of a status written onto business records.
func (s InstanceStatus) Label() string {
	switch s {
	case InstancePending:
		return "Pending"
	case InstanceApproved:
		return "Approved"
	case InstanceRejected:
		return "Rejected"
	case InstanceCancelled:
		return "Cancelled"
	}
	return string(s)
}

// ExecutionStatus is the state of one visited step.
type ExecutionStatus string

// Step execution status constants.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionApproved  ExecutionStatus = "approved"
	ExecutionRejected  ExecutionStatus = "rejected"
	ExecutionSkipped   ExecutionStatus = "skipped"
	ExecutionEscalated ExecutionStatus = "escalated"
)

// Action is a decision an approver takes on a pending step.
type Action string

// Decision actions.
const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// WorkflowInstance is a live run of a template against one business entity.
type WorkflowInstance struct {
	ID                 string         `json:"id"`
	TemplateID         string         `json:"template_id"`
	TemplateVersion    int            `json:"template_version"`
	EntityID           string         `json:"entity_id"`
	EntityType         string         `json:"entity_type"`
	CurrentStepID      string         `json:"current_step_id,omitempty"`
	CurrentStepNumber  int            `json:"current_step_number,omitempty"`
	CurrentExecutionID string         `json:"current_execution_id,omitempty"`
	Status             InstanceStatus `json:"status"`
	InitiatedBy        string         `json:"initiated_by"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	EntitySyncedAt     *time.Time     `json:"entity_synced_at,omitempty"`
}

// StepExecution records one step actually being visited within an instance.
// Step number and name are copied from the definition so history survives
// later template edits.
type StepExecution struct {
	ID            string          `json:"id"`
	InstanceID    string          `json:"instance_id"`
	StepID        string          `json:"step_id"`
	StepNumber    int             `json:"step_number"`
	StepName      string          `json:"step_name"`
	AssignedRole  string          `json:"assigned_role,omitempty"`
	AssignedUser  string          `json:"assigned_user,omitempty"`
	Status        ExecutionStatus `json:"status"`
	ActedBy       string          `json:"acted_by,omitempty"`
	ActedAt       *time.Time      `json:"acted_at,omitempty"`
	Comments      string          `json:"comments,omitempty"`
	DueAt         *time.Time      `json:"due_at,omitempty"`
	EscalatedFrom string          `json:"escalated_from,omitempty"`
	DelegatedBy   string          `json:"delegated_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Overdue reports whether a pending execution has passed its due date.
func (e StepExecution) Overdue(now time.Time) bool {
	return e.Status == ExecutionPending && e.DueAt != nil && e.DueAt.Before(now)
}

// ExecutionTransition is a conditional change applied to a pending step
// execution. Stores apply it only while the row is still pending.
type ExecutionTransition struct {
	Status       ExecutionStatus
	ActedBy      string
	ActedAt      time.Time
	Comments     string
	AssignedRole *string
	AssignedUser *string
	DelegatedBy  string
}

// PendingApproval is a pending execution joined with its instance and
// template, as shown in an approver's inbox.
type PendingApproval struct {
	Execution       StepExecution `json:"execution"`
	TemplateID      string        `json:"template_id"`
	TemplateName    string        `json:"template_name"`
	Module          Module        `json:"module"`
	EntityID        string        `json:"entity_id"`
	EntityType      string        `json:"entity_type"`
	InitiatedBy     string        `json:"initiated_by"`
	InstanceStarted time.Time     `json:"instance_started_at"`
}

// Workflow audit event names.
const (
	EventInstanceStarted   = "instance_started"
	EventStepAssigned      = "step_assigned"
	EventStepApproved      = "step_approved"
	EventStepRejected      = "step_rejected"
	EventStepEscalated     = "step_escalated"
	EventStepDelegated     = "step_delegated"
	EventInstanceApproved  = "instance_approved"
	EventInstanceRejected  = "instance_rejected"
	EventInstanceCancelled = "instance_cancelled"
)

// WorkflowEvent records an event in an instance's audit trail.
type WorkflowEvent struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepNumber  int            `json:"step_number,omitempty"`
	Event       string         `json:"event"`
	ActorID     string         `json:"actor_id"`
	Data        map[string]any `json:"data,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// InstanceDetail is the full view of an instance: its executions in step
// order, the audit trail, and the users who can act on the current step.
type InstanceDetail struct {
	Instance         WorkflowInstance `json:"instance"`
	TemplateName     string           `json:"template_name"`
	Executions       []StepExecution  `json:"executions"`
	History          []WorkflowEvent  `json:"history"`
	CurrentApprovers []string         `json:"current_approvers,omitempty"`
}

// StartRequest carries the inputs of starting an instance.
type StartRequest struct {
	TemplateID  string         `json:"template_id"`
	EntityID    string         `json:"entity_id"`
	EntityType  string         `json:"entity_type"`
	InitiatedBy string         `json:"initiated_by"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DelegateRequest reassigns a pending execution to another user or role.
// Exactly one of ToUser and ToRole must be set.
type DelegateRequest struct {
	ToUser   string `json:"to_user,omitempty"`
	ToRole   string `json:"to_role,omitempty"`
	Comments string `json:"comments,omitempty"`
}

// SweepResult summarizes one escalation sweep.
type SweepResult struct {
	Examined  int      `json:"examined"`
	Escalated []string `json:"escalated"`
	Skipped   int      `json:"skipped"`
}

// ReconcileResult summarizes one entity-status reconciliation pass.
type ReconcileResult struct {
	Examined int      `json:"examined"`
	Synced   []string `json:"synced"`
	Failed   []string `json:"failed"`
}
