package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/passage/model"
)

// Issue codes reported by the Validator.
const (
	CodeRequired           = "REQUIRED"
	CodeInvalidModule      = "INVALID_MODULE"
	CodeNoSteps            = "NO_STEPS"
	CodeStepSequence       = "STEP_SEQUENCE"
	CodeDuplicateStep      = "DUPLICATE_STEP"
	CodeApprover           = "APPROVER"
	CodeInvalidTimeout     = "INVALID_TIMEOUT"
	CodeNoTimeout          = "NO_TIMEOUT"
	CodeNotDelegable       = "NOT_DELEGABLE"
	CodeEscalationUnused   = "ESCALATION_WITHOUT_TIMEOUT"
	CodeCumulativeDuration = "CUMULATIVE_DURATION"
)

// DefaultMaxCumulativeDays is the end-to-end SLA above which a template draws
// a warning.
const DefaultMaxCumulativeDays = 30

// Validator checks workflow templates for structural correctness. It runs
// purely in memory and is safe for concurrent use.
type Validator struct {
	maxCumulativeDays int
}

// NewValidator creates a Validator that warns when the sum of step timeouts
// exceeds maxCumulativeDays. A non-positive value selects the default.
func NewValidator(maxCumulativeDays int) *Validator {
	if maxCumulativeDays <= 0 {
		maxCumulativeDays = DefaultMaxCumulativeDays
	}
	return &Validator{maxCumulativeDays: maxCumulativeDays}
}

// MaxCumulativeDays returns the configured SLA threshold.
func (v *Validator) MaxCumulativeDays() int {
	return v.maxCumulativeDays
}

// Validate checks a whole template. Errors block saving and activation,
// warnings are advisory. Every issue carries the index of the offending step
// or model.TemplateLevel.
func (v *Validator) Validate(t model.WorkflowTemplate) model.ValidationResult {
	var errs, warns []model.Issue

	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, templateIssue("name", CodeRequired, "template name is required"))
	}
	if !t.Module.Valid() {
		errs = append(errs, templateIssue("module", CodeInvalidModule,
			fmt.Sprintf("module %q is not one of %s", t.Module, moduleList())))
	}
	if len(t.Steps) == 0 {
		errs = append(errs, templateIssue("steps", CodeNoSteps, "at least one step is required"))
	}

	errs = append(errs, v.checkSequence(t.Steps)...)

	cumulative := 0
	for i, s := range t.Steps {
		stepErrs, stepWarns := v.ValidateStep(s, i)
		errs = append(errs, stepErrs...)
		warns = append(warns, stepWarns...)
		if s.TimeoutDays != nil && *s.TimeoutDays > 0 {
			cumulative += *s.TimeoutDays
		}
	}

	if cumulative > v.maxCumulativeDays {
		warns = append(warns, templateIssue("timeout_days", CodeCumulativeDuration,
			fmt.Sprintf("worst-case duration of %d days exceeds the %d day threshold", cumulative, v.maxCumulativeDays)))
	}

	return model.ValidationResult{
		IsValid:  len(errs) == 0,
		Errors:   nonNil(errs),
		Warnings: nonNil(warns),
	}
}

// ValidateStep checks one step in isolation. The index is reported on every
// issue so callers can highlight the step.
func (v *Validator) ValidateStep(s model.WorkflowStep, index int) (errs, warns []model.Issue) {
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, stepIssue(index, "name", CodeRequired, "step name is required"))
	}

	hasRole := strings.TrimSpace(s.RequiredRole) != ""
	hasUser := strings.TrimSpace(s.ApproverUserID) != ""
	switch {
	case hasRole && hasUser:
		errs = append(errs, stepIssue(index, "approver", CodeApprover, "specify either a required role or an approver user, not both"))
	case !hasRole && !hasUser:
		errs = append(errs, stepIssue(index, "approver", CodeApprover, "a required role or an approver user is required"))
	}

	switch {
	case s.TimeoutDays == nil:
	case *s.TimeoutDays <= 0:
		errs = append(errs, stepIssue(index, "timeout_days", CodeInvalidTimeout, "timeout must be a positive number of days"))
	case *s.TimeoutDays > model.MaxTimeoutDays:
		errs = append(errs, stepIssue(index, "timeout_days", CodeInvalidTimeout,
			fmt.Sprintf("timeout must not exceed %d days", model.MaxTimeoutDays)))
	}

	if s.TimeoutDays == nil {
		warns = append(warns, stepIssue(index, "timeout_days", CodeNoTimeout, "step has no timeout and may stay pending indefinitely"))
		if s.EscalationRole != "" {
			warns = append(warns, stepIssue(index, "escalation_role", CodeEscalationUnused, "escalation role is never used without a timeout"))
		}
	}
	if !s.CanDelegate {
		warns = append(warns, stepIssue(index, "can_delegate", CodeNotDelegable, "step cannot be delegated and may become a bottleneck"))
	}

	return errs, warns
}

// checkSequence verifies step numbers form the dense sequence 1..N. Out of
// range numbers and repeats are reported against the step carrying them.
func (v *Validator) checkSequence(steps []model.WorkflowStep) []model.Issue {
	var errs []model.Issue
	n := len(steps)
	seen := make(map[int]int, n)
	for i, s := range steps {
		if s.StepNumber < 1 || s.StepNumber > n {
			errs = append(errs, stepIssue(i, "step_number", CodeStepSequence,
				fmt.Sprintf("step number %d is outside the contiguous range 1..%d", s.StepNumber, n)))
			continue
		}
		if first, dup := seen[s.StepNumber]; dup {
			errs = append(errs, stepIssue(i, "step_number", CodeDuplicateStep,
				fmt.Sprintf("step number %d duplicates step at index %d", s.StepNumber, first)))
			continue
		}
		seen[s.StepNumber] = i
	}
	return errs
}

func templateIssue(field, code, msg string) model.Issue {
	return model.Issue{StepIndex: model.TemplateLevel, Field: field, Code: code, Message: msg}
}

func stepIssue(index int, field, code, msg string) model.Issue {
	return model.Issue{StepIndex: index, Field: field, Code: code, Message: msg}
}

func moduleList() string {
	names := make([]string, len(model.Modules))
	for i, m := range model.Modules {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

func nonNil(issues []model.Issue) []model.Issue {
	if issues == nil {
		return []model.Issue{}
	}
	return issues
}
