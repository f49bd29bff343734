package booking

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-level error values returned by the booking service.
var (
	ErrValidationFailed        = errors.New("validation failed")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrUnknownReservation      = errors.New("unknown reservation")
	ErrUnknownTicketType       = errors.New("unknown ticket type")
	ErrReservationExists       = errors.New("reservation already exists")
	ErrDuplicatePayment        = errors.New("payment already recorded")
	ErrStateChanged            = errors.New("reservation state changed")
	ErrPersistence             = errors.New("persistence failure")
	ErrInvalidReference        = errors.New("invalid reference")
	ErrInvalidTicketTypeID     = errors.New("invalid ticket type id")
	ErrInvalidResourceCategory = errors.New("invalid resource category")
	ErrInvalidPaymentMethod    = errors.New("invalid payment method")
	ErrInvalidPaymentOutcome   = errors.New("invalid payment outcome")
	ErrInvalidState            = errors.New("invalid state")
	ErrInvalidAmountPence      = errors.New("invalid amount pence")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// WrapStoreError tags a backend failure as a persistence failure unless it already
// carries a domain sentinel.
func WrapStoreError(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	if !isDomainError(err) {
		err = fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return WrapError(operationStore, subject, code, err)
}

func isDomainError(err error) bool {
	for _, sentinel := range []error{ErrUnknownReservation, ErrUnknownTicketType, ErrReservationExists, ErrDuplicatePayment, ErrStateChanged, ErrPersistence} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// FieldViolation names one failed precondition on a reservation field.
type FieldViolation struct {
	Field  string
	Reason string
}

// ValidationError lists every violated field of a reservation.
type ValidationError struct {
	Violations []FieldViolation
}

// Error returns all violations in field order.
func (validationError ValidationError) Error() string {
	parts := make([]string, 0, len(validationError.Violations))
	for _, violation := range validationError.Violations {
		parts = append(parts, violation.Field+" "+violation.Reason)
	}
	return fmt.Sprintf("%v: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

// Unwrap returns ErrValidationFailed.
func (validationError ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Fields returns the names of the violated fields.
func (validationError ValidationError) Fields() []string {
	fields := make([]string, 0, len(validationError.Violations))
	for _, violation := range validationError.Violations {
		fields = append(fields, violation.Field)
	}
	return fields
}

// TransitionError reports an event attempted from a disallowed state.
type TransitionError struct {
	Event Event
	From  State
}

// Error returns the formatted error message.
func (transitionError TransitionError) Error() string {
	return fmt.Sprintf("%v: cannot %s from %s", ErrInvalidTransition, transitionError.Event, transitionError.From)
}

// Unwrap returns ErrInvalidTransition.
func (transitionError TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
