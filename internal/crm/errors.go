package crm

import (
	"errors"
	"fmt"
)

// ErrAuthExpired indicates the backend rejected the bearer token. The session
// manager handles it with exactly one refresh-and-retry.
var ErrAuthExpired = errors.New("crm: authentication expired")

// TransientError marks a failure worth retrying later: connectivity loss,
// timeouts and any backend response outside the explicit taxonomy.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("crm: %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ValidationError marks a mutation the backend rejected as semantically
// invalid. It is never retried.
type ValidationError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("crm: %s: validation rejected (status %d): %s", e.Op, e.StatusCode, e.Message)
}

// IsTransient reports whether err should be routed to the retry queue.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsValidation reports whether err is a permanent validation rejection.
func IsValidation(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}
