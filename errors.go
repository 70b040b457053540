package creditgate

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrUnauthenticated     = errors.New("creditgate: unauthenticated")
	ErrUserNotFound        = errors.New("creditgate: user not found")
	ErrDailyLimitExceeded  = errors.New("creditgate: daily AI request limit reached")
	ErrInsufficientCredits = errors.New("creditgate: insufficient AI credits")
	ErrRateLimited         = errors.New("creditgate: rate limited by provider")
	ErrProviderUnavailable = errors.New("creditgate: provider unavailable")
	ErrAuthFailed          = errors.New("creditgate: provider authentication failed")
	ErrInvalidRequest      = errors.New("creditgate: invalid request")
	ErrNoResponse          = errors.New("creditgate: provider returned no usable text")
	ErrEmptyTranscription  = errors.New("creditgate: no speech detected in audio")
	ErrUnparsableResult    = errors.New("creditgate: model output could not be parsed")
)

// ProviderError wraps a provider failure with transport context.
type ProviderError struct {
	// Err is the mapped sentinel error (ErrRateLimited, ErrProviderUnavailable, ...).
	Err error

	// Provider is the adapter name.
	Provider string

	// Status is the HTTP status of the last response, 0 for transport failures.
	Status int

	// RetryAfter is the wait the provider asked for, if it supplied one.
	RetryAfter time.Duration

	// Body is a truncated copy of the response body, for diagnostics.
	Body string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("creditgate: provider=%s status=%d: %v", e.Provider, e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a provider failure is transient: HTTP 429,
// any 5xx, or a transport-level failure. Anything else, including a 2xx
// response without extractable text, is permanent for the attempt loop.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Status == 429 || pe.Status >= 500 {
			return true
		}
		if pe.Status == 0 && errors.Is(pe.Err, ErrProviderUnavailable) {
			return true
		}
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderUnavailable)
}

// IsFatal reports whether a request-level error cannot succeed on retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrDailyLimitExceeded) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrAuthFailed)
}

// RetryAfterHint extracts the provider-requested wait from an error chain.
// Returns 0 when the provider gave none.
func RetryAfterHint(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
