package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidPrompt   = errors.New("invalid prompt")
	ErrProviderFailure = errors.New("provider failure")
	ErrTimeout         = errors.New("generation timed out")
	ErrDuplicate       = errors.New("duplicate record")
)

// ValidationError rejects input before it reaches the job state machine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPrompt }

// ProviderError wraps a failed call to, or failure reported by, the image provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s failed", e.Op)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

// Is lets errors.Is match both ErrProviderFailure and the wrapped cause.
func (e *ProviderError) Is(target error) bool { return target == ErrProviderFailure }

func (e *ProviderError) Unwrap() error { return e.Err }

// TimeoutError reports that the polling budget ran out while the job was pending.
type TimeoutError struct {
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation still pending after %d polls (%s)", e.Attempts, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// CauseOf maps a job failure to the cause recorded on the post.
func CauseOf(err error) FailureCause {
	if errors.Is(err, ErrTimeout) {
		return FailureCauseTimeout
	}
	return FailureCauseProvider
}
