// Package apperr defines the error kinds the daemon's components return,
// matching the literal message prefixes the RPC layer surfaces to clients.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Handlers compare against these with errors.Is;
// the wrapped message carries the literal prefix clients assert on.
var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTimeout             = errors.New("timeout")
	ErrTransport           = errors.New("transport error")
)

// NotFound wraps ErrNotFound with a literal, client-facing message.
func NotFound(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrNotFound)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return NotFound(fmt.Sprintf(format, args...))
}

// Validation wraps ErrValidation with a literal, client-facing message.
func Validation(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrValidation)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Sprintf(format, args...))
}

// PreconditionFailed wraps ErrPreconditionFailed with a literal message.
func PreconditionFailed(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrPreconditionFailed)
}

// ProviderUnavailable wraps ErrProviderUnavailable with a literal message.
func ProviderUnavailable(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrProviderUnavailable)
}

// Timeout wraps ErrTimeout with a literal message.
func Timeout(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrTimeout)
}

// Transport wraps ErrTransport with a literal message.
func Transport(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrTransport)
}

// IsNotFound reports whether err (or any error it wraps) is a NotFound error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err (or any error it wraps) is a Validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsPreconditionFailed reports whether err is a PreconditionFailed error.
func IsPreconditionFailed(err error) bool { return errors.Is(err, ErrPreconditionFailed) }

// IsProviderUnavailable reports whether err is a ProviderUnavailable error.
func IsProviderUnavailable(err error) bool { return errors.Is(err, ErrProviderUnavailable) }

// IsTimeout reports whether err is a Timeout error.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsTransport reports whether err is a Transport error.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }
