package payment

import (
	"errors"
	"fmt"

	"freight-controlplane/pkg/errutil"
)

// Error is returned by providers. Retryable marks failures that may succeed
// when the same request is repeated (timeouts, rate limits, 5xx).
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment provider %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("payment provider %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(code, msg string) *Error {
	return &Error{Code: code, Message: msg, Retryable: true}
}

func Terminal(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// IsRetryable reports whether err may succeed on retry. Errors that are not
// *Error (network failures, context deadline) count as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// Classify maps a provider error onto the service error taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return errutil.ProviderTransient("payment provider unavailable", err)
	}
	return errutil.ProviderTerminal("payment provider rejected the request", err)
}
