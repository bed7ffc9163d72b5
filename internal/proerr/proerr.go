// Package proerr defines the error kinds shared across the PRO core engine.
package proerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers classify with errors.Is and wrap with Wrap
// so the kind survives fmt.Errorf chains.
var (
	// ErrValidation indicates malformed input; no state was changed.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates a missing patient, consent, bank, or questionnaire.
	ErrNotFound = errors.New("not found")

	// ErrTransitionNotAllowed indicates an illegal trigger-state transition.
	ErrTransitionNotAllowed = errors.New("transition not allowed")

	// ErrLockTimeout indicates the per-user lock could not be acquired in
	// time. Retryable; the API tier surfaces it as an interim condition.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrConfiguration indicates a protocol/bank setup contract violation:
	// more than two adjacent protocols, a missing baseline bank, or a visit
	// definition adjusted twice.
	ErrConfiguration = errors.New("configuration error")

	// ErrMessagingFailure indicates an email send was rejected. Recorded on
	// the trigger state; the state machine still advances.
	ErrMessagingFailure = errors.New("messaging failure")
)

// Wrap annotates err's kind with a formatted message.
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Retryable reports whether the caller should retry after a delay.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
