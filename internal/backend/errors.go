package backend

import (
	"errors"
	"fmt"
)

// ValidationError is a caller mistake: bad input or an illegal lifecycle
// transition. Never retried.
type ValidationError struct {
	Op        string
	SessionID string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.SessionID, e.Reason)
}

// Validationf builds a ValidationError with a formatted reason.
func Validationf(op, sessionID, format string, args ...any) error {
	return &ValidationError{Op: op, SessionID: sessionID, Reason: fmt.Sprintf(format, args...)}
}

// TransientError wraps a substrate failure that is worth retrying:
// timeouts, propagation delays, workloads still coming up.
type TransientError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op, sessionID string, err error) error {
	return &TransientError{Op: op, SessionID: sessionID, Err: err}
}

// AuthError is a permission or authentication failure against the
// substrate. Surfaced immediately, never retried.
type AuthError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s %s: not authorized: %v", e.Op, e.SessionID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Auth wraps err as an authorization failure.
func Auth(op, sessionID string, err error) error {
	return &AuthError{Op: op, SessionID: sessionID, Err: err}
}

// PartialProvisionError reports a provision attempt that failed midway.
// CleanupErrs holds rollback failures; when empty the substrate was
// restored to its pre-attempt state.
type PartialProvisionError struct {
	Op          string
	SessionID   string
	Err         error
	CleanupErrs []error
}

func (e *PartialProvisionError) Error() string {
	if len(e.CleanupErrs) == 0 {
		return fmt.Sprintf("%s %s: %v (rolled back)", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v (rollback incomplete: %d resources left)",
		e.Op, e.SessionID, e.Err, len(e.CleanupErrs))
}

func (e *PartialProvisionError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a caller mistake.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err is an authorization failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
