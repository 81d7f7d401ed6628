// Package errors provides structured error handling for gomine.
//
// Every failure that crosses a package boundary is a *ServiceError carrying
// its category, the operation that failed and free-form context. The three
// header-level categories (malformed encoding, incomplete header and
// insufficient difficulty) also have sentinels usable with errors.Is.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeMalformedEncoding marks byte buffers of the wrong length or shape
	ErrorTypeMalformedEncoding ErrorType = "malformed_encoding"
	// ErrorTypeIncompleteHeader marks hashing or serialization of a header with missing fields
	ErrorTypeIncompleteHeader ErrorType = "incomplete_header"
	// ErrorTypeInsufficientDifficulty marks a hash above its target
	ErrorTypeInsufficientDifficulty ErrorType = "insufficient_difficulty"
	// ErrorTypeValidation represents invalid arguments and configuration
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeDatabase represents database-related errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeBitcoin represents Bitcoin RPC errors
	ErrorTypeBitcoin ErrorType = "bitcoin"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// Sentinels for errors.Is. They compare equal to any ServiceError of the same type.
var (
	ErrMalformedEncoding      = &ServiceError{Type: ErrorTypeMalformedEncoding, Message: "malformed encoding"}
	ErrIncompleteHeader       = &ServiceError{Type: ErrorTypeIncompleteHeader, Message: "incomplete header"}
	ErrInsufficientDifficulty = &ServiceError{Type: ErrorTypeInsufficientDifficulty, Message: "insufficient difficulty"}
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	op := e.Operation
	if op == "" {
		op = "unknown"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Type, op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, op, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ServiceError of the same type. It lets the
// package sentinels match errors built with New or Wrap.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Newf is New with a formatted message
func Newf(errorType ErrorType, operation, format string, args ...any) *ServiceError {
	return New(errorType, operation, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with context. A wrapped ServiceError keeps
// its own retry decision; any other cause is classified by retryableCause.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	var retryable bool
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	} else {
		retryable = retryableCause(err)
	}
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka:
		return true
	}
	return false
}

// transientMessages are substrings of errors that rpcclient and the
// database drivers return as plain strings for conditions that clear up.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
	"eof",
}

// retryableCause classifies an error from outside this package. Caller
// cancellation never retries; network timeouts and refused or reset
// connections do.
func retryableCause(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Type == errorType
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return retryableCause(err)
}

// GetContext merges the context of every ServiceError in err's chain. Keys
// set closer to the top of the chain win.
func GetContext(err error) map[string]any {
	var merged map[string]any
	for err != nil {
		if se, ok := err.(*ServiceError); ok && len(se.Context) > 0 {
			if merged == nil {
				merged = make(map[string]any, len(se.Context))
			}
			for k, v := range se.Context {
				if _, set := merged[k]; !set {
					merged[k] = v
				}
			}
		}
		err = errors.Unwrap(err)
	}
	return merged
}

// Is reports whether any error in err's chain matches target. It is the
// standard library's errors.Is, re-exported so callers need one import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is the standard library's errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
