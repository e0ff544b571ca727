// Package errdefs defines the error kinds shared across the control plane.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so callers
// can classify failures with errors.Is without depending on error strings.
package errdefs

import "errors"

var (
	// ErrInvalidInput marks input rejected by validation. No state change occurred.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks unique-constraint violations and deletes of in-use entities.
	ErrConflict = errors.New("conflict")
	// ErrNginxTestFailed marks a non-zero `nginx -t`; the message carries a stderr excerpt.
	ErrNginxTestFailed = errors.New("nginx config test failed")
	// ErrExternalFailure marks a failed child process, network error, or provider API error.
	ErrExternalFailure = errors.New("external failure")
	// ErrTransientFailure marks timeouts and retryable I/O errors.
	ErrTransientFailure = errors.New("transient failure")
	// ErrInternal marks a violated invariant.
	ErrInternal = errors.New("internal error")
)

// IsInvalidInput reports whether err wraps ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNginxTestFailed reports whether err wraps ErrNginxTestFailed.
func IsNginxTestFailed(err error) bool { return errors.Is(err, ErrNginxTestFailed) }

// IsExternalFailure reports whether err wraps ErrExternalFailure.
func IsExternalFailure(err error) bool { return errors.Is(err, ErrExternalFailure) }

// IsTransientFailure reports whether err wraps ErrTransientFailure.
func IsTransientFailure(err error) bool { return errors.Is(err, ErrTransientFailure) }
