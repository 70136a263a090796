package api

import (
	"errors"
	"fmt"
)

// ErrAuthExpired marks a 401 from the cloud; the caller retries once after a
// forced token refresh before giving up.
var ErrAuthExpired = errors.New("access token expired")

// AuthFailureError means the cloud rejected the credentials outright or a
// refresh was exhausted. It is fatal for the entry: the user has to
// reconfigure, retrying will not help.
type AuthFailureError struct {
	Reason string
	Err    error
}

func (e *AuthFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthFailureError) Unwrap() error { return e.Err }

// TransientError wraps network-level failures (timeouts, resets) that are
// safe to retry on the next scheduled attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RemoteError is any non-auth non-2xx response from the cloud.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: status %d: %s", e.Status, e.Body)
}

// IsAuthFailure reports whether err is fatal for the configured entry.
func IsAuthFailure(err error) bool {
	var af *AuthFailureError
	return errors.As(err, &af)
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
