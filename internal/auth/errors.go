package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthentication is returned for missing, unknown or inactive keys
	ErrAuthentication = errors.New("authentication failed")

	// ErrPermissionDenied is returned when a valid key lacks the permission
	ErrPermissionDenied = errors.New("permission denied")
)

// RateLimitError reports a request rejected by the rate limiter
type RateLimitError struct {
	Result RateResult
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d, resets at %s",
		e.Result.Current, e.Result.Limit, e.Result.ResetAt.Format(time.RFC3339))
}
