package remote

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: transport errors, 5xx
// responses and throttling.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ConflictError is a push refused because the remote holds a version the
// mutation did not supersede. Remote carries the winning snapshot.
type ConflictError struct {
	Remote Entity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote holds newer version %d of %s/%s", e.Remote.Version, e.Remote.EntityType, e.Remote.ID)
}

// RejectedError is a permanent refusal; retrying the same mutation cannot
// succeed.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected request: %d %s", e.StatusCode, e.Message)
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AsConflict extracts a conflict refusal, if that is what the error is.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
