package booking

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the booking engine.
var (
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrNoInventory           = errors.New("no inventory configured")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrStatusConflict        = errors.New("reservation status changed concurrently")
	ErrUpstreamPayment       = errors.New("upstream payment failure")
	ErrPaymentRefMismatch    = errors.New("payment references do not match")
	ErrPaymentNotReady       = errors.New("payment not in pre-capture state")
	ErrDamageFeeRequired     = errors.New("damage fee required")
	ErrDamageFeeExceedsDeposit = errors.New("damage fee exceeds deposit")

	ErrReservationExists = errors.New("reservation already exists")

	ErrUnknownProduct      = errors.New("unknown product")
	ErrUnknownReservation  = errors.New("unknown reservation")
	ErrUnknownDiscountCode = errors.New("unknown discount code")
	ErrUnknownInventory    = errors.New("unknown inventory item")

	ErrInvalidHotelID           = errors.New("invalid hotel id")
	ErrInvalidProductID         = errors.New("invalid product id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidReservationCode   = errors.New("invalid reservation code")
	ErrInvalidEmailAddress      = errors.New("invalid email address")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidQuantity          = errors.New("invalid quantity")
	ErrInvalidTimeWindow        = errors.New("invalid time window")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidPricingType       = errors.New("invalid pricing type")
	ErrInvalidRevenueShare      = errors.New("invalid revenue share")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidRetryPolicy       = errors.New("invalid retry policy")
)

// UnavailableError carries alternative windows alongside the capacity failure
// so callers can retry without re-querying availability from scratch.
type UnavailableError struct {
	Alternatives []TimeWindow
}

// Error returns the formatted error message.
func (unavailableError *UnavailableError) Error() string {
	return fmt.Sprintf("%v: %d alternative window(s)", ErrInsufficientInventory, len(unavailableError.Alternatives))
}

// Unwrap ties the payload error to the ErrInsufficientInventory sentinel.
func (unavailableError *UnavailableError) Unwrap() error {
	return ErrInsufficientInventory
}

// TransitionError reports a transition absent from the allowed table.
type TransitionError struct {
	From ReservationStatus
	To   ReservationStatus
}

// Error returns the formatted error message.
func (transitionError *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, transitionError.From, transitionError.To)
}

// Unwrap ties the payload error to the ErrInvalidTransition sentinel.
func (transitionError *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

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
