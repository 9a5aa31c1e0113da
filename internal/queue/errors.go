package queue

import (
	"errors"
	"fmt"
	"time"
)

// Retryable marks err as transient: the consumer leaves the item
// unacknowledged so the queue delivers it again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// RetryAfter is Retryable with a suggested redelivery delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err, after: max(after, 0)}
}

// IsRetryable reports whether err was wrapped with Retryable or RetryAfter.
func IsRetryable(err error) bool {
	var e retryableError
	return errors.As(err, &e)
}

// RetryDelay returns the delay hint carried by err, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var e retryableError
	if errors.As(err, &e) && e.after > 0 {
		return e.after, true
	}
	return 0, false
}

type retryableError struct {
	err   error
	after time.Duration
}

func (e retryableError) Error() string {
	if e.after > 0 {
		return fmt.Sprintf("retryable(%s): %v", e.after, e.err)
	}
	return fmt.Sprintf("retryable: %v", e.err)
}
func (e retryableError) Unwrap() error { return e.err }
