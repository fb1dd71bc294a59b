package model

import "time"

// Module identifies the request type a template governs.
type Module string

// Recognized request modules.
const (
	ModuleTravelRequest        Module = "travel_request"
	ModuleClaim                Module = "claim"
	ModuleVisaApplication      Module = "visa_application"
	ModuleTransportBooking     Module = "transport_booking"
	ModuleAccommodationBooking Module = "accommodation_booking"
)

// Modules lists every recognized module in display order.
var Modules = []Module{
	ModuleTravelRequest,
	ModuleClaim,
	ModuleVisaApplication,
	ModuleTransportBooking,
	ModuleAccommodationBooking,
}

// Valid reports whether m is one of the recognized modules.
func (m Module) Valid() bool {
	for _, known := range Modules {
		if m == known {
			return true
		}
	}
	return false
}

// WorkflowTemplate is a reusable, named definition of an ordered approval
// sequence for one request module.
type WorkflowTemplate struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Module      Module         `json:"module" yaml:"module"`
	Active      bool           `json:"active" yaml:"active"`
	Version     int            `json:"version" yaml:"-"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
	CreatedBy   string         `json:"created_by,omitempty" yaml:"-"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
}

// StepByNumber returns the step with the given number, or nil.
func (t *WorkflowTemplate) StepByNumber(n int) *WorkflowStep {
	for i := range t.Steps {
		if t.Steps[i].StepNumber == n {
			return &t.Steps[i]
		}
	}
	return nil
}

// NextStep returns the step with the smallest number greater than n, or nil
// when n is the last step.
func (t *WorkflowTemplate) NextStep(n int) *WorkflowStep {
	var next *WorkflowStep
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.StepNumber > n && (next == nil || s.StepNumber < next.StepNumber) {
			next = s
		}
	}
	return next
}

// WorkflowStep is one position in a template, bound to a required role or to
// a specific user.
type WorkflowStep struct {
	ID             string `json:"id" yaml:"-"`
	TemplateID     string `json:"template_id" yaml:"-"`
	StepNumber     int    `json:"step_number" yaml:"step_number"`
	Name           string `json:"name" yaml:"name"`
	Description    string `json:"description,omitempty" yaml:"description"`
	RequiredRole   string `json:"required_role,omitempty" yaml:"role"`
	ApproverUserID string `json:"approver_user_id,omitempty" yaml:"user"`
	Mandatory      bool   `json:"mandatory" yaml:"mandatory"`
	CanDelegate    bool   `json:"can_delegate" yaml:"can_delegate"`
	TimeoutDays    *int   `json:"timeout_days,omitempty" yaml:"timeout_days"`
	EscalationRole string `json:"escalation_role,omitempty" yaml:"escalation_role"`
}

// MaxTimeoutDays is the longest step timeout a template may configure.
const MaxTimeoutDays = 3650

// timeoutDays returns the configured timeout clamped to MaxTimeoutDays, or
// zero when none is set.
func (s WorkflowStep) timeoutDays() int {
	if s.TimeoutDays == nil || *s.TimeoutDays <= 0 {
		return 0
	}
	return min(*s.TimeoutDays, MaxTimeoutDays)
}

// Timeout returns the step timeout as a duration, or zero when none is set.
func (s WorkflowStep) Timeout() time.Duration {
	return time.Duration(s.timeoutDays()) * 24 * time.Hour
}

// DueAt computes the due date of an execution of this step started at from.
// It is never before from.
func (s WorkflowStep) DueAt(from time.Time) *time.Time {
	days := s.timeoutDays()
	if days == 0 {
		return nil
	}
	due := from.AddDate(0, 0, days)
	return &due
}

// TemplateFilters are optional filters for listing templates.
type TemplateFilters struct {
	Module     Module
	ActiveOnly bool
}

// TemplatePatch carries the optional fields of a template update. A nil
// Steps leaves the step set untouched. Setting Active re-activates a
// deactivated template after it passes validation.
type TemplatePatch struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Active      *bool          `json:"active,omitempty"`
	Steps       []WorkflowStep `json:"steps,omitempty"`
}

// Issue is one finding of template validation.
type Issue struct {
	StepIndex int    `json:"step_index"`
	Field     string `json:"field"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ValidationResult is the outcome of validating a template. Errors block
// saving and activation; warnings are advisory.
type ValidationResult struct {
	IsValid  bool    `json:"is_valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// AsError converts a failing result into a VALIDATION_ERROR envelope. It
// returns nil when the result is valid.
func (r ValidationResult) AsError() error {
	if r.IsValid {
		return nil
	}
	details := make([]FieldError, 0, len(r.Errors))
	for _, is := range r.Errors {
		details = append(details, FieldError(is))
	}
	return NewValidationError(details)
}
