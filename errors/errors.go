// Package errors provides the structured error type shared by the cart sync packages.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeRemoteRejected    ErrorCode = "REMOTE_REJECTED"
)

// Operation names the cart or sync operation during which an error occurred.
type Operation string

const (
	OpAddItem        Operation = "add_item"
	OpRemoveItem     Operation = "remove_item"
	OpUpdateQuantity Operation = "update_quantity"
	OpClear          Operation = "clear"
	OpAddWishlist    Operation = "add_wishlist"
	OpRemoveWishlist Operation = "remove_wishlist"
	OpMoveToCart     Operation = "move_to_cart"
	OpReconcile      Operation = "reconcile"
	OpRefresh        Operation = "refresh"
	OpFlush          Operation = "flush"
	OpResume         Operation = "resume"
	OpLogout         Operation = "logout"
	OpSubscribe      Operation = "subscribe"
	OpCount          Operation = "count"
	OpStore          Operation = "store"
	OpLoad           Operation = "load"
	OpTransport      Operation = "transport"
	OpClose          Operation = "close"
)

// Kind classifies an error so callers can decide how to react without
// matching on messages.
type Kind string

const (
	KindInvalid      Kind = "invalid"
	KindNotFound     Kind = "not_found"
	KindUnavailable  Kind = "unavailable"
	KindUnauthorized Kind = "unauthorized"
	KindRejected     Kind = "rejected"
	KindCorrupt      Kind = "corrupt"
	KindInternal     Kind = "internal"
)

// Component names the package or subsystem that produced an error.
type Component string

// SyncError represents an error raised by the store, the remote client or the coordinator.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport")
	Component string

	// Kind classifies the failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindInternal,
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Kind:      KindUnavailable,
		Err:       cause,
		Retryable: true,
	}
}

// NewRejectedError creates an error for a request the remote understood and refused.
func NewRejectedError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeRemoteRejected,
		Op:        op,
		Component: "transport",
		Kind:      KindRejected,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Err:       err,
		Retryable: true,
	}
}

// Op converts a free-form operation name, such as "sqlite.Load", into an Operation.
func Op(name string) Operation {
	return Operation(name)
}

// E builds a SyncError from its arguments. Recognised argument types are
// Operation, Component, Kind, ErrorCode, error, map[string]interface{}
// (metadata) and string (message, wrapped around the error if present).
// Unknown argument types are ignored.
func E(args ...interface{}) error {
	e := &SyncError{}
	var msgs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case map[string]interface{}:
			e.Metadata = a
		case *SyncError:
			e.Err = a
			if e.Kind == "" {
				e.Kind = a.Kind
			}
			e.Retryable = a.Retryable
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		}
	}

	if len(msgs) > 0 {
		msg := strings.Join(msgs, "; ")
		if e.Err != nil {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		} else {
			e.Err = errors.New(msg)
		}
	}
	if e.Err == nil {
		e.Err = errors.New("unknown error")
	}
	if e.Kind == KindUnavailable {
		e.Retryable = true
	}
	return e
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the outermost SyncError in err's chain that
// carries one, or the empty Kind.
func KindOf(err error) Kind {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return ""
		}
		if syncErr.Kind != "" {
			return syncErr.Kind
		}
		err = syncErr.Err
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
