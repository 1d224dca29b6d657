package reliability

import (
	"errors"
	"strings"
	"time"
)

// Failure taxonomy of one dispatched task.
var (
	ErrAckTimeout      = errors.New("ack timeout")
	ErrExecutionFailed = errors.New("execution failed")
	ErrPollTimeout     = errors.New("timeout")
	ErrItemNotFound    = errors.New("item not found")
	ErrRetryExhausted  = errors.New("retry exhausted")
)

// IsRetryable reports whether err goes through the retry policy. Missing
// items have nothing to retry and exhausted tasks are terminal.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrRetryExhausted):
		return false
	default:
		return errors.Is(err, ErrAckTimeout) ||
			errors.Is(err, ErrExecutionFailed) ||
			errors.Is(err, ErrPollTimeout)
	}
}

// ClassifyAck maps an executor acknowledgment error text to the taxonomy.
func ClassifyAck(reason string) error {
	switch strings.TrimSpace(strings.ToLower(reason)) {
	case "ack timeout":
		return ErrAckTimeout
	default:
		return ErrExecutionFailed
	}
}

// Reason returns the short text stored as an item's last error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
