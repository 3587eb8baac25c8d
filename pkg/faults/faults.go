// Package faults defines the error taxonomy shared by every engine. Handlers
// map each class to an HTTP status; the structured fields let rejected
// financial actions carry the boundary value that explains the decision.
package faults

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Codes attached to errors and eligibility results.
const (
	CodeInvalidInput           = "invalid_input"
	CodeDuplicateEmail         = "duplicate_email"
	CodeInvalidPeriod          = "invalid_period"
	CodeInvalidAmount          = "invalid_amount"
	CodeInvalidDecision        = "invalid_decision"
	CodeInvalidCategory        = "invalid_category"
	CodeMembershipTooShort     = "membership_too_short"
	CodeAmountOutOfRange       = "amount_out_of_range"
	CodeDurationTooLong        = "duration_too_long"
	CodeExceedsSavingsMultiple = "exceeds_savings_multiple"
	CodeActiveLoanExists       = "active_loan_exists"
	CodeAlreadyDecided         = "already_decided"
	CodeLoanNotActive          = "loan_not_active"
	CodeInsufficientBalance    = "insufficient_balance"
	CodeBelowMinimum           = "below_minimum_withdrawal"
	CodeConcurrentModification = "concurrent_modification"
)

// ValidationError marks caller-fixable input problems, detected before any
// transaction starts.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidation(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError marks a missing member, loan, application or request.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// StateConflictError marks decisions against rows no longer in the expected
// state, including concurrent double-inserts detected by the storage layer.
type StateConflictError struct {
	Code    string
	Message string
}

func (e *StateConflictError) Error() string { return e.Message }

func NewStateConflict(code, format string, args ...any) *StateConflictError {
	return &StateConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// PolicyViolationError marks an action the business rules refuse. The boundary
// fields are filled where they apply so callers can explain the refusal
// without a second query.
type PolicyViolationError struct {
	Code              string
	Message           string
	MaxEligibleAmount decimal.Decimal
	CurrentBalance    decimal.Decimal
	Shortfall         decimal.Decimal
}

func (e *PolicyViolationError) Error() string { return e.Message }

func NewPolicyViolation(code, format string, args ...any) *PolicyViolationError {
	return &PolicyViolationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InfrastructureError wraps storage failures. The core never retries these;
// they surface for the caller to retry.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func NewInfrastructure(op string, err error) *InfrastructureError {
	return &InfrastructureError{Op: op, Err: err}
}
