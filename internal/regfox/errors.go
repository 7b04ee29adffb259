package regfox

import (
	"errors"
	"fmt"
)

// TransportError reports a failure to complete an HTTP exchange with the
// remote service: a network error, a malformed response, or an unexpected
// status code. The client never retries; callers decide.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("regfox: %s returned status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("regfox: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitError reports remote quota exhaustion. The snapshot captured from
// the rejecting response is attached so callers can decide how long to wait.
type RateLimitError struct {
	Op     string
	Status int
	Body   string
	Limits RateLimitSnapshot
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("regfox: %s rate limited (status %d, burst %d/%d, daily %d/%d)",
		e.Op, e.Status,
		e.Limits.Burst.Remaining, e.Limits.Burst.Limit,
		e.Limits.Daily.Remaining, e.Limits.Daily.Limit)
}

// IsRateLimited reports whether err originated from remote quota exhaustion.
func IsRateLimited(err error) bool {
	var limitErr *RateLimitError
	return errors.As(err, &limitErr)
}
