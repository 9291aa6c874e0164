package auth

import (
	"errors"
	"fmt"
	"time"
)

// Outcomes that cross the service boundary. Causes behind the first three
// are logged server side and never returned to callers.
var (
	ErrAuthenticationFailed  = errors.New("auth: authentication failed")
	ErrTokenInvalid          = errors.New("auth: token invalid")
	ErrKeyInvalid            = errors.New("auth: api key invalid")
	ErrForbidden             = errors.New("auth: forbidden")
	ErrThrottled             = errors.New("auth: throttled")
	ErrDependencyUnavailable = errors.New("auth: dependency unavailable")
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrSessionStale is returned by SessionStore.Rotate when the session was
	// already revoked, rotated or expired at the time of the conditional update.
	ErrSessionStale = errors.New("auth: session stale")
)

// ThrottledError reports a rate-limit rejection along with a retry hint.
type ThrottledError struct {
	Identifier string
	Limit      int64
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("auth: throttled, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// RetryAfter extracts the retry hint from a throttling error.
func RetryAfter(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

// unavailable marks a store failure that is not a lookup miss.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDependencyUnavailable, op, err)
}

// isMiss reports whether err means the record does not exist.
func isMiss(err error) bool {
	return errors.Is(err, ErrNotFound)
}
