package engine

import (
	"net/http"
	"time"
)

// Retry policy defaults.
const (
	// MaxAttempts bounds the dispatch loop.
	MaxAttempts = 3
	// BackoffUnit scales the linear backoff between attempts.
	BackoffUnit = 3 * time.Second
)

// Decision is the retry policy's verdict on a failed attempt.
type Decision int

const (
	// Fail surfaces the error without another attempt.
	Fail Decision = iota
	// Retry waits out the backoff and tries again.
	Retry
)

// Backoff returns the delay taken before attempt n (n >= 2): 3 units
// before the second attempt, 6 before the third.
func Backoff(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	return time.Duration(attempt-1) * BackoffUnit
}

// Decide maps a failed attempt's HTTP status (0 for transport errors
// with no status) and attempt number to the next step. Only gateway
// timeouts, upstream rate limits, and transport failures are worth
// retrying, and only while attempts remain. 401 is always terminal.
func Decide(status, attempt, maxAttempts int) Decision {
	if status == http.StatusUnauthorized {
		return Fail
	}
	transient := status == 0 ||
		status == http.StatusGatewayTimeout ||
		status == http.StatusTooManyRequests
	if transient && attempt < maxAttempts {
		return Retry
	}
	return Fail
}
