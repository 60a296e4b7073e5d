package model

import (
	"errors"
	"fmt"
)

var (
	ErrAccessDenied      = errors.New("access denied")
	ErrUnsupportedURL    = errors.New("unsupported url")
	ErrDurationExceeded  = errors.New("duration exceeds limit")
	ErrSizeExceeded      = errors.New("file size exceeds limit")
	ErrDownloadFailed    = errors.New("download failed")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrChatBusy          = errors.New("download already in progress for chat")
	ErrCapacityReached   = errors.New("concurrent download limit reached")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrQuotaExhausted    = errors.New("daily quota exhausted")
	ErrFormatUnavailable = errors.New("requested format is not available")
	ErrProbeFailed       = errors.New("could not get video info")
)

// LimitError reports a policy violation together with the offending numbers.
// Units depend on Kind: seconds for durations, bytes for sizes.
type LimitError struct {
	Kind   error
	Actual int64
	Limit  int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: %d > %d", e.Kind, e.Actual, e.Limit)
}

func (e *LimitError) Unwrap() error {
	return e.Kind
}
