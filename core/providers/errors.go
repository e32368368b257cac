package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// FailureKind classifies why a provider call failed. The router uses the
// classification to decide whether the next candidate should be tried.
type FailureKind string

const (
	// FailureTimeout means the per-capability deadline elapsed before the
	// provider answered.
	FailureTimeout FailureKind = "timeout"
	// FailureUnavailable covers connection errors and 5xx-style responses.
	FailureUnavailable FailureKind = "provider_unavailable"
	// FailureRateLimited means the provider asked us to back off.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureInvalidResponse means the provider answered with a payload the
	// adapter could not make sense of.
	FailureInvalidResponse FailureKind = "invalid_response"
)

// Sentinel errors adapters wrap so Classify can recover the kind.
var (
	ErrTimeout         = errors.New("provider call timed out")
	ErrUnavailable     = errors.New("provider unavailable")
	ErrRateLimited     = errors.New("provider rate limited")
	ErrInvalidResponse = errors.New("provider returned an invalid response")
)

// Retryable reports whether the next candidate should be attempted after a
// failure of this kind. Invalid responses still advance to the next
// candidate, but become fatal when no candidates remain.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureUnavailable, FailureRateLimited:
		return true
	default:
		return false
	}
}

// Failure records one classified provider failure.
type Failure struct {
	Capability Capability
	Provider   string
	Kind       FailureKind
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s provider %q failed (%s): %v", f.Capability, f.Provider, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Classify maps an adapter error to a failure kind. Context deadline errors
// count as timeouts; anything unrecognized counts as unavailable, which is
// the safe retryable default for network-shaped failures.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return FailureTimeout
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, ErrInvalidResponse):
		return FailureInvalidResponse
	default:
		return FailureUnavailable
	}
}

// ClassifyStatus maps an HTTP status to the taxonomy for adapter authors.
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	default:
		return fmt.Errorf("%w: status %d", ErrInvalidResponse, status)
	}
}
