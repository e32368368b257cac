package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lyravoice/lyra-core/core/providers"
)

// ErrBreakerOpen marks a candidate that was skipped without an attempt
// because its circuit breaker was open.
var ErrBreakerOpen = errors.New("provider breaker open")

// ExhaustedError reports that every candidate for a capability failed or
// was skipped. Attempts holds the per-candidate classifications in the
// order they were tried.
type ExhaustedError struct {
	Capability providers.Capability
	Attempts   []*providers.Failure
}

func (e *ExhaustedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "all %s providers exhausted (%d attempts)", e.Capability, len(e.Attempts))
	for _, attempt := range e.Attempts {
		sb.WriteString("; ")
		sb.WriteString(attempt.Error())
	}
	return sb.String()
}

func (e *ExhaustedError) Unwrap() []error {
	unwrapped := make([]error, len(e.Attempts))
	for i, attempt := range e.Attempts {
		unwrapped[i] = attempt
	}
	return unwrapped
}

// PartialStreamError reports a provider stream that failed after chunks
// were already forwarded downstream. The caller owns the recovery policy;
// Prefix carries everything that was delivered so a follow-up request can
// ask the next candidate to continue rather than restart.
type PartialStreamError struct {
	Provider string
	Prefix   string
	Failure  *providers.Failure
}

func (e *PartialStreamError) Error() string {
	return fmt.Sprintf("stream from %q failed after %d forwarded bytes: %v",
		e.Provider, len(e.Prefix), e.Failure)
}

func (e *PartialStreamError) Unwrap() error { return e.Failure }
