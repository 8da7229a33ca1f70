package transport

import (
	"errors"
	"fmt"
	"time"
)

// Send failures are classified so the dispatcher can react: blocked and
// malformed sends are final, throttled sends get one retry, anything else
// is reported as-is.
var (
	// ErrRecipientBlocked means the recipient cannot be reached at all
	// (blocked the bot, deactivated account). Never retried.
	ErrRecipientBlocked = errors.New("transport: recipient unreachable")

	// ErrBadRequest means the payload or recipient reference is malformed.
	// Never retried.
	ErrBadRequest = errors.New("transport: bad request")
)

// RateLimitedError signals platform throttling. RetryAfter is the platform's
// suggested cooldown (zero if it didn't provide one).
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transport: rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a throttling failure and returns the
// suggested cooldown.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
