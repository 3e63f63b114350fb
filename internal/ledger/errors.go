package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode categorizes ledger errors so callers can decide retry vs abort.
type ErrorCode string

const (
	// ErrCodeValidation indicates malformed input to append. Never retried;
	// the caller must fix the input.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeImmutabilityViolation indicates an attempted mutation or
	// deletion of an existing record. Always a programming error in the
	// caller or an intrusion attempt; always audited.
	ErrCodeImmutabilityViolation ErrorCode = "IMMUTABILITY_VIOLATION"

	// ErrCodeWriteFailed indicates a transient storage failure during
	// append. The caller may retry with backoff; no partial record is
	// visible after a failed write.
	ErrCodeWriteFailed ErrorCode = "WRITE_FAILED"

	// ErrCodeNoPartition indicates the rolling partition window was
	// exhausted. Fatal for new writes until the extension task catches up.
	ErrCodeNoPartition ErrorCode = "NO_PARTITION"

	// ErrCodeInvalidQuery indicates malformed query parameters. Never
	// retried.
	ErrCodeInvalidQuery ErrorCode = "INVALID_QUERY"

	// ErrCodeTimeout indicates the caller-supplied deadline expired.
	// Safe to retry.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
)

// LedgerError is the structured error type for all ledger operations.
// Code identifies the category; EntityID/FieldName identify the affected
// key when known.
type LedgerError struct {
	Code      ErrorCode
	Message   string
	EntityID  string
	FieldName string
	Details   map[string]string
	Err       error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e.EntityID != "" && e.FieldName != "" {
		return fmt.Sprintf("%s: %s (entity=%s, field=%s)", e.Code, e.Message, e.EntityID, e.FieldName)
	}
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *LedgerError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a LedgerError for malformed append input.
func NewValidationError(msg, entityID, fieldName string) *LedgerError {
	return &LedgerError{
		Code:      ErrCodeValidation,
		Message:   msg,
		EntityID:  entityID,
		FieldName: fieldName,
	}
}

// NewImmutabilityViolation creates a LedgerError for a refused mutation.
func NewImmutabilityViolation(op, recordID string) *LedgerError {
	return &LedgerError{
		Code:    ErrCodeImmutabilityViolation,
		Message: fmt.Sprintf("records are append-only: %s refused", op),
		Details: map[string]string{"record_id": recordID, "op": op},
	}
}

// NewWriteError wraps a storage failure during append.
func NewWriteError(entityID, fieldName string, err error) *LedgerError {
	return &LedgerError{
		Code:      ErrCodeWriteFailed,
		Message:   "durable write failed",
		EntityID:  entityID,
		FieldName: fieldName,
		Err:       err,
	}
}

// NewNoPartitionError creates a LedgerError for an exhausted partition window.
func NewNoPartitionError(bucket string) *LedgerError {
	return &LedgerError{
		Code:    ErrCodeNoPartition,
		Message: "no partition covers transaction time; rolling window exhausted",
		Details: map[string]string{"bucket": bucket},
	}
}

// NewInvalidQueryError creates a LedgerError for malformed query parameters.
func NewInvalidQueryError(msg string) *LedgerError {
	return &LedgerError{Code: ErrCodeInvalidQuery, Message: msg}
}

// NewTimeoutError creates a LedgerError for an expired deadline.
func NewTimeoutError(op string, err error) *LedgerError {
	return &LedgerError{
		Code:    ErrCodeTimeout,
		Message: op + " deadline exceeded",
		Err:     err,
	}
}

// WrapQueryError maps context deadline expiry to a TimeoutError and
// leaves LedgerErrors untouched; anything else is wrapped as an invalid
// query would not be - it stays a plain error for the caller to inspect.
func WrapQueryError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(op, err)
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// codeOf extracts the ErrorCode from err, or "" when err is not a LedgerError.
func codeOf(err error) ErrorCode {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return codeOf(err) == ErrCodeValidation }

// IsImmutabilityViolation reports whether err is a refused mutation.
func IsImmutabilityViolation(err error) bool { return codeOf(err) == ErrCodeImmutabilityViolation }

// IsWriteFailed reports whether err is a transient write failure.
func IsWriteFailed(err error) bool { return codeOf(err) == ErrCodeWriteFailed }

// IsNoPartition reports whether err is an exhausted partition window.
func IsNoPartition(err error) bool { return codeOf(err) == ErrCodeNoPartition }

// IsInvalidQuery reports whether err is a malformed query.
func IsInvalidQuery(err error) bool { return codeOf(err) == ErrCodeInvalidQuery }

// IsTimeout reports whether err is an expired deadline.
func IsTimeout(err error) bool { return codeOf(err) == ErrCodeTimeout }
