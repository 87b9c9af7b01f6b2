// Package billingerr defines the core's error taxonomy (spec §7): business
// denials carry a stable domain.Reason, while transient/fatal infrastructure
// failures are distinguished so callers know whether a retry is sensible.
package billingerr

import (
	"errors"
	"fmt"

	"github.com/apolotel/billingcore/internal/domain"
)

// BusinessError wraps a policy denial or not-found outcome with its
// machine-readable reason. It is never logged as a server error.
type BusinessError struct {
	Reason  domain.Reason
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}

	return string(e.Reason)
}

func (e *BusinessError) Unwrap() error { return e.Err }

func New(reason domain.Reason, message string) *BusinessError {
	return &BusinessError{Reason: reason, Message: message}
}

func Wrap(reason domain.Reason, err error) *BusinessError {
	return &BusinessError{Reason: reason, Message: err.Error(), Err: err}
}

// ReasonOf extracts the domain.Reason from err, defaulting to
// ReasonInternal for anything not a *BusinessError.
func ReasonOf(err error) domain.Reason {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Reason
	}

	return domain.ReasonInternal
}

// Sentinel not-found/conflict errors raised by adapters; services translate
// these into BusinessError at the appropriate boundary (spec §7).
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrRateNotFound        = errors.New("no effective rate for destination")
	ErrReservationNotFound = errors.New("reservation not found")
)

// Transient marks an error as a once-retryable infrastructure failure
// (database deadlock, cache timeout) per spec §7.
type Transient struct{ Err error }

func (e *Transient) Error() string { return "transient: " + e.Err.Error() }
func (e *Transient) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

// Fatal marks persistent infrastructure unavailability; the core fails fast
// and refuses new authorizations per spec §7.
type Fatal struct{ Err error }

func (e *Fatal) Error() string { return "fatal: " + e.Err.Error() }
func (e *Fatal) Unwrap() error { return e.Err }

func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
