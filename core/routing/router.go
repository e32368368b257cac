// Package routing drives provider fallback. A router walks a
// priority-ordered candidate list for a capability, applies the
// per-capability timeout to each attempt, classifies failures through the
// providers taxonomy and keeps a circuit breaker per candidate so a
// provider that keeps failing is skipped until its cool-down elapses.
package routing

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/lyravoice/lyra-core/core/config"
	"github.com/lyravoice/lyra-core/core/events"
	"github.com/lyravoice/lyra-core/core/providers"
)

// Router applies fallback, timeouts and breaker bookkeeping around
// provider attempts. It holds no candidate lists itself; callers pass the
// descriptors for the capability they are invoking.
type Router struct {
	timeouts config.TimeoutConfig
	breaker  config.BreakerConfig

	now     func() time.Time
	publish func(events.Event)

	attemptCounter metric.Int64Counter
}

type Option func(*Router)

// WithClock overrides the router's time source. Used by breaker tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithEventSink registers a callback receiving attempt, recovery and
// breaker transition events. The callback must not block.
func WithEventSink(publish func(events.Event)) Option {
	return func(r *Router) { r.publish = publish }
}

func New(timeouts config.TimeoutConfig, breaker config.BreakerConfig, opts ...Option) *Router {
	router := &Router{
		timeouts: timeouts,
		breaker:  breaker,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(router)
	}
	router.attemptCounter, _ = meter.Int64Counter("lyra.routing.attempts",
		metric.WithDescription("Provider attempts by capability, provider and outcome"))
	return router
}

func (r *Router) timeoutFor(capability providers.Capability) time.Duration {
	switch capability {
	case providers.CapabilitySpeechToText:
		return r.timeouts.SpeechToText
	case providers.CapabilityLanguageModel:
		return r.timeouts.LanguageModel
	case providers.CapabilityTextToSpeech:
		return r.timeouts.TextToSpeech
	default:
		return r.timeouts.LanguageModel
	}
}

func (r *Router) emit(event events.Event) {
	if r.publish != nil {
		r.publish(event)
	}
}

// ordered returns the candidates sorted by ascending priority rank without
// mutating the caller's slice. Equal ranks keep their given order.
func (r *Router) ordered(candidates []*Descriptor) []*Descriptor {
	sorted := make([]*Descriptor, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted
}

// admit applies the breaker gate and returns a skip record when the
// candidate may not be attempted.
func (r *Router) admit(candidate *Descriptor, capability providers.Capability) *providers.Failure {
	if candidate.allow(r.now(), r.breaker) {
		return nil
	}
	return &providers.Failure{
		Capability: capability,
		Provider:   candidate.Name,
		Kind:       providers.FailureUnavailable,
		Err:        ErrBreakerOpen,
	}
}

func (r *Router) recordOutcome(ctx context.Context, candidate *Descriptor, capability providers.Capability, attemptErr error) *providers.Failure {
	if attemptErr == nil {
		r.attemptCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("capability", string(capability)),
			attribute.String("provider", candidate.Name),
			attribute.String("outcome", "success"),
		))
		if previous := candidate.recordSuccess(r.now()); previous != BreakerClosed {
			r.emit(events.NewProviderRecovered(string(capability), candidate.Name))
			r.emit(events.NewBreakerStateChanged(string(capability), candidate.Name,
				previous.String(), BreakerClosed.String()))
			logger.InfoContext(ctx, "provider recovered",
				"capability", capability, "provider", candidate.Name)
		}
		return nil
	}

	kind := providers.Classify(attemptErr)
	failure := &providers.Failure{
		Capability: capability,
		Provider:   candidate.Name,
		Kind:       kind,
		Err:        attemptErr,
	}

	r.attemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", string(capability)),
		attribute.String("provider", candidate.Name),
		attribute.String("outcome", string(kind)),
	))

	before := candidate.State()
	opened := candidate.recordFailure(r.now(), r.breaker)

	r.emit(events.NewProviderAttemptFailed(string(capability), candidate.Name, string(kind)))
	logger.WarnContext(ctx, "provider attempt failed",
		"capability", capability, "provider", candidate.Name, "failure", kind, "error", attemptErr)

	if opened {
		r.emit(events.NewBreakerStateChanged(string(capability), candidate.Name,
			before.String(), BreakerOpen.String()))
		logger.WarnContext(ctx, "provider breaker opened",
			"capability", capability, "provider", candidate.Name)
	}
	return failure
}

// Invoke walks the candidates in priority order until attempt succeeds.
// Every attempt runs under the capability's timeout; failures are
// classified, counted against the candidate's breaker and collected into
// an ExhaustedError when no candidate is left. A cancelled parent context
// aborts immediately without penalizing the provider that happened to be
// in flight.
func Invoke[T any](ctx context.Context, r *Router, capability providers.Capability, candidates []*Descriptor, attempt func(ctx context.Context, candidate *Descriptor) (T, error)) (T, error) {
	var zero T

	ctx, span := tracer.Start(ctx, "route "+string(capability))
	defer span.End()
	span.SetAttributes(
		attribute.String("capability", string(capability)),
		attribute.Int("candidates", len(candidates)),
	)

	var attempts []*providers.Failure
	for _, candidate := range r.ordered(candidates) {
		if skip := r.admit(candidate, capability); skip != nil {
			attempts = append(attempts, skip)
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(capability))
		result, err := attempt(attemptCtx, candidate)
		cancel()

		if err == nil {
			r.recordOutcome(ctx, candidate, capability, nil)
			span.SetAttributes(attribute.String("provider", candidate.Name))
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		attempts = append(attempts, r.recordOutcome(ctx, candidate, capability, err))
	}

	exhausted := &ExhaustedError{Capability: capability, Attempts: attempts}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, exhausted.Error())
	return zero, exhausted
}

// InvokeTextStream opens a text stream against the candidates in priority
// order and forwards chunks through the forward callback as they arrive.
// Open failures and streams that die before forwarding anything advance to
// the next candidate like Invoke. Once at least one chunk has been
// forwarded the stream cannot be silently restarted, so a mid-stream
// failure surfaces as a PartialStreamError carrying the delivered prefix;
// the caller decides whether to re-invoke the remaining candidates with a
// continuation request. Forward returning an error aborts the stream with
// that error and no breaker penalty.
func InvokeTextStream(ctx context.Context, r *Router, capability providers.Capability, candidates []*Descriptor, open func(ctx context.Context, candidate *Descriptor) (providers.TextStream, error), forward func(chunk string) error) (string, error) {
	ctx, span := tracer.Start(ctx, "route "+string(capability)+" stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("capability", string(capability)),
		attribute.Int("candidates", len(candidates)),
	)

	var attempts []*providers.Failure
	for _, candidate := range r.ordered(candidates) {
		if skip := r.admit(candidate, capability); skip != nil {
			attempts = append(attempts, skip)
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(capability))
		stream, err := open(attemptCtx, candidate)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			attempts = append(attempts, r.recordOutcome(ctx, candidate, capability, err))
			continue
		}

		var forwarded strings.Builder
		var streamErr, forwardErr error
		for chunk, chunkErr := range stream.Chunks(attemptCtx) {
			if chunkErr != nil {
				streamErr = chunkErr
				break
			}
			if err := forward(chunk); err != nil {
				forwardErr = err
				break
			}
			forwarded.WriteString(chunk)
		}
		cancel()

		if forwardErr != nil {
			return forwarded.String(), forwardErr
		}
		if streamErr == nil {
			r.recordOutcome(ctx, candidate, capability, nil)
			span.SetAttributes(attribute.String("provider", candidate.Name))
			return forwarded.String(), nil
		}
		if ctx.Err() != nil {
			return forwarded.String(), ctx.Err()
		}

		failure := r.recordOutcome(ctx, candidate, capability, streamErr)
		if forwarded.Len() > 0 {
			partial := &PartialStreamError{
				Provider: candidate.Name,
				Prefix:   forwarded.String(),
				Failure:  failure,
			}
			span.RecordError(partial)
			span.SetStatus(codes.Error, partial.Error())
			return forwarded.String(), partial
		}
		attempts = append(attempts, failure)
	}

	exhausted := &ExhaustedError{Capability: capability, Attempts: attempts}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, exhausted.Error())
	return "", exhausted
}
