package core

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable machine-readable error kind. Codes cross the HTTP boundary
// verbatim and are recorded on failed block instances.
type Code string

const (
	// Input and admission.
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeExampleNotFound  Code = "EXAMPLE_NOT_FOUND"
	CodeRequestTooLarge  Code = "REQUEST_TOO_LARGE"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeConcurrencyLimit Code = "CONCURRENCY_LIMIT"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeNotFound         Code = "NOT_FOUND"

	// Runtime.
	CodeMissingInput       Code = "MISSING_INPUT"
	CodeDispatchFailed     Code = "DISPATCH_FAILED"
	CodeTimeout            Code = "TIMEOUT"
	CodeContractFailed     Code = "CONTRACT_FAILED"
	CodeShellGatesDisabled Code = "SHELL_GATES_DISABLED"
	CodeBudgetExceeded     Code = "BUDGET_EXCEEDED"
	CodeOrphanedRun        Code = "ORPHANED_RUN"
	CodeStallTimeout       Code = "STALL_TIMEOUT"
	CodeCancelled          Code = "CANCELLED"
	CodeGateFailed         Code = "GATE_FAILED"

	// Approval.
	CodeNoPendingApproval    Code = "NO_PENDING_APPROVAL"
	CodeInvalidApprovalToken Code = "INVALID_APPROVAL_TOKEN"
	CodeMaxCyclesReached     Code = "MAX_CYCLES_REACHED"

	// Retry exhaustion.
	CodeGateExhaustion Code = "GATE_EXHAUSTION"
)

// CodedError carries a Code alongside a human-readable message and optional
// structured details for API responses.
type CodedError struct {
	Code    Code
	Message string
	Details map[string]any
	err     error
}

// Coded builds a CodedError with a formatted message.
func Coded(code Code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCoded attaches a code to an underlying error.
func WrapCoded(code Code, err error) *CodedError {
	if err == nil {
		return &CodedError{Code: code, Message: string(code)}
	}
	return &CodedError{Code: code, Message: err.Error(), err: err}
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Unwrap returns the wrapped error, if any.
func (e *CodedError) Unwrap() error { return e.err }

// WithDetail attaches a structured detail to the error and returns it.
func (e *CodedError) WithDetail(key string, value any) *CodedError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the Code from err, walking the wrap chain. It returns the
// empty Code when err carries none.
func CodeOf(err error) Code {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool { return CodeOf(err) == code }

// ValidationError describes a single invalid field in a submitted definition.
type ValidationError struct {
	Field string
	Value any
	Err   error
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field string, value any, err error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Err: err}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value == nil || e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s (%v): %v", e.Field, e.Value, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }

// ErrorList collects multiple errors into one.
type ErrorList []error

// Add appends an error to the list if it is non-nil.
func (l *ErrorList) Add(err error) {
	if err != nil {
		*l = append(*l, err)
	}
}

// Error implements the error interface.
func (l ErrorList) Error() string {
	msgs := make([]string, 0, len(l))
	for _, err := range l {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (l ErrorList) Unwrap() []error { return l }

// OrNil returns nil when the list is empty so call sites can return it directly.
func (l ErrorList) OrNil() error {
	if len(l) == 0 {
		return nil
	}
	return l
}
