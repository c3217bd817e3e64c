package payments

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("payment event authentication failed")
	ErrValidation     = errors.New("payment event rejected")
	ErrNotFound       = errors.New("payment not found")
	ErrPaymentExists  = errors.New("payment already exists for order")
	// ErrDuplicateTransaction means the guard for a (transaction, status)
	// pair already exists: another request applied the same event.
	ErrDuplicateTransaction = errors.New("transaction already applied")
	// ErrConflict means the payment row changed between read and write.
	ErrConflict = errors.New("payment changed concurrently")
)

// AuthenticationError is returned for events whose signature does not
// verify. It is never retryable.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "payment event authentication failed: " + e.Reason
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// ValidationError is returned for well-signed events that cannot be
// applied: bad schema, unknown order, amount mismatch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "payment event rejected: " + e.Reason
	}
	return fmt.Sprintf("payment event rejected: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
