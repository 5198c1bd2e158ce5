package rate

import "errors"

var (
	// ErrRateLimited is returned when a policy's budget for the current window is spent.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("rate limit backend unavailable")
)
