package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Flow orchestration error codes.
const (
	ErrConcurrencyConflict = "CONCURRENCY_CONFLICT"
	ErrInvalidFlowState    = "INVALID_FLOW_STATE"
	ErrPartialSync         = "PARTIAL_SYNC"
	ErrUnknownPhase        = "UNKNOWN_PHASE"
)

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
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

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err is an *ErrorEnvelope carrying the given code.
func HasCode(err error, code string) bool {
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

// NewValidationError returns a VALIDATION_ERROR with a message.
func NewValidationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg}
}

// NewFieldValidationError returns a VALIDATION_ERROR with field-level details.
func NewFieldValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewConcurrencyConflictError returns a CONCURRENCY_CONFLICT error. The write
// lost an optimistic concurrency race; the caller should re-read and retry
// the whole read-modify-write.
func NewConcurrencyConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConcurrencyConflict, Message: msg}
}

// NewInvalidFlowStateError returns an INVALID_FLOW_STATE error naming the
// flow's current status and the operation that was attempted against it.
func NewInvalidFlowStateError(status, attempted string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidFlowState,
		Message: fmt.Sprintf("flow is %s; cannot %s", status, attempted),
	}
}

// NewPartialSyncError returns a PARTIAL_SYNC error naming which side of the
// master/child dual-write is stale after a failed compensation.
func NewPartialSyncError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPartialSync, Message: msg}
}

// NewUnknownPhaseError returns an UNKNOWN_PHASE error.
func NewUnknownPhaseError(flowType, phase string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownPhase,
		Message: fmt.Sprintf("phase %q is not a recognized %s phase", phase, flowType),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
