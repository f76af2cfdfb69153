package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "quote", "read")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// StoreError wraps a persistence failure. Lookups and check-and-set
// results (not found, conflict) are never StoreErrors.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) IsRetriable() bool {
	return true
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransitionError is returned when a status change is not allowed by the order lifecycle.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: illegal transition %s -> %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var (
	// ErrOrderNotFound is returned when the order does not exist or belongs to another owner.
	ErrOrderNotFound = errors.New("order not found")

	// ErrAccountNotFound is returned when the owner has no trading account.
	ErrAccountNotFound = errors.New("trading account not found")

	// ErrAccountNotVerified is returned when the account may not trade yet.
	ErrAccountNotVerified = errors.New("trading account not verified")

	// ErrInvalidOrder is returned for malformed order requests.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInvalidState is returned when a caller action does not fit the current order status.
	ErrInvalidState = errors.New("invalid order state")

	// ErrInvalidTransition is returned when a status change violates the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStatusConflict is returned by a check-and-set when the stored status
	// no longer matches the expected one.
	ErrStatusConflict = errors.New("order status changed concurrently")

	// ErrNoReferencePrice is returned when no price is available to value an order.
	ErrNoReferencePrice = errors.New("no reference price available")

	// ErrNoQuote is returned by a price source that has no price yet. It's usually retriable.
	ErrNoQuote = errors.New("no quote available")

	// ErrPipelineStopped is returned when submitting to a pipeline that is not running.
	ErrPipelineStopped = errors.New("settlement pipeline stopped")

	// ErrUnauthorized is returned when a credential cannot be resolved to an owner.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")
)
