// Package errors provides the error taxonomy shared by the broker integration.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrAuthentication     = errors.New("authentication required")
	ErrNoActiveStage1     = errors.New("no active stage-1 session")
	ErrCatalogUnavailable = errors.New("instrument catalog unavailable")
	ErrUnknownSymbol      = errors.New("unknown symbol")
	ErrCapacityExceeded   = errors.New("subscription capacity exceeded")
	ErrOrderRejected      = errors.New("order rejected")
	ErrTransport          = errors.New("transport error")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrNotFound           = errors.New("not found")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrNotConnected       = errors.New("feed not connected")
)

// BrokerError represents a failed call against the broker REST surface.
// Body holds the broker's response text verbatim.
type BrokerError struct {
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *BrokerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("broker error [%s] status %d: %s", e.Endpoint, e.Status, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Endpoint, e.Body)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(endpoint string, status int, body string, err error) *BrokerError {
	return &BrokerError{
		Endpoint: endpoint,
		Status:   status,
		Body:     body,
		Err:      err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a rejected input field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidOrder
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// CatalogError describes a single catalog segment that could not be loaded.
type CatalogError struct {
	Segment string
	Message string
	Err     error
}

func (e *CatalogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog error [%s]: %s: %v", e.Segment, e.Message, e.Err)
	}
	return fmt.Sprintf("catalog error [%s]: %s", e.Segment, e.Message)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

// NewCatalogError creates a new CatalogError.
func NewCatalogError(segment, message string, err error) *CatalogError {
	return &CatalogError{
		Segment: segment,
		Message: message,
		Err:     err,
	}
}

// UnknownSymbol returns ErrUnknownSymbol annotated with the symbol.
func UnknownSymbol(symbol string) error {
	return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New, re-exported so callers need a single import.
func New(text string) error {
	return errors.New(text)
}
