package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrConfiguration     = "CONFIGURATION_ERROR"
	ErrInstanceNotActive = "INSTANCE_NOT_ACTIVE"
	ErrNotAssigned       = "NOT_ASSIGNED"
	ErrDelegationDenied  = "DELEGATION_NOT_ALLOWED"
)

// ErrorEnvelope is the standard error returned by the engine and the HTTP
// API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error. StepIndex is the
// zero-based position of the offending step, or TemplateLevel.
type FieldError struct {
	StepIndex int    `json:"step_index"`
	Field     string `json:"field"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// TemplateLevel marks an issue that belongs to the template rather than to
// one of its steps.
const TemplateLevel = -1

// IsCode reports whether err is (or wraps) an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with per-step details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "The workflow template is invalid",
		Details: details,
	}
}

// NewConfigurationError returns a CONFIGURATION_ERROR: the template is
// well-formed but cannot run.
func NewConfigurationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfiguration, Message: msg}
}

// NewInstanceNotActiveError returns an INSTANCE_NOT_ACTIVE error.
func NewInstanceNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInstanceNotActive, Message: msg}
}

// NewNotAssignedError returns a NOT_ASSIGNED error for an actor who is not
// the assignee of a step execution.
func NewNotAssignedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotAssigned, Message: msg}
}

// NewDelegationDeniedError returns a DELEGATION_NOT_ALLOWED error.
func NewDelegationDeniedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDelegationDenied, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
