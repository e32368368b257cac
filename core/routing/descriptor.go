package routing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyravoice/lyra-core/core/config"
	"github.com/lyravoice/lyra-core/core/providers"
)

// BreakerState is the per-provider circuit breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Descriptor names one candidate provider for a capability: its priority
// rank, its client, and its health state. Health is shared, mutable,
// cross-session state; every transition is a compare-and-swap so
// concurrent turns hammering the same failing provider never lose a
// breaker transition. Only the router mutates it.
type Descriptor struct {
	Name       string
	Capability providers.Capability
	Priority   int

	// Client is the capability implementation; the attempt callback
	// asserts it to the interface it needs.
	Client any

	state atomic.Int32

	// streakMu guards the windowStart/consecutive pair: two failures
	// racing a stale window must not both restart the streak at 1 and
	// undercount toward the threshold.
	streakMu    sync.Mutex
	consecutive int
	windowStart time.Time

	openedAt    atomic.Int64
	lastSuccess atomic.Int64
	lastFailure atomic.Int64

	failures atomic.Int64
}

// NewDescriptor builds a candidate descriptor with a closed breaker.
func NewDescriptor(name string, capability providers.Capability, priority int, client any) *Descriptor {
	return &Descriptor{
		Name:       name,
		Capability: capability,
		Priority:   priority,
		Client:     client,
	}
}

// State returns the current breaker state.
func (d *Descriptor) State() BreakerState {
	return BreakerState(d.state.Load())
}

// FailureCount returns the total number of recorded failures.
func (d *Descriptor) FailureCount() int64 {
	return d.failures.Load()
}

// LastSuccess returns the time of the last successful call, zero if none.
func (d *Descriptor) LastSuccess() time.Time {
	return timeFromNanos(d.lastSuccess.Load())
}

// LastFailure returns the time of the last failed call, zero if none.
func (d *Descriptor) LastFailure() time.Time {
	return timeFromNanos(d.lastFailure.Load())
}

func timeFromNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// allow reports whether a request may be routed to this provider. An open
// breaker past its cool-down admits exactly one half-open trial: the
// winning compare-and-swap gets the request, everyone else keeps waiting.
func (d *Descriptor) allow(now time.Time, cfg config.BreakerConfig) bool {
	switch BreakerState(d.state.Load()) {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(timeFromNanos(d.openedAt.Load())) < cfg.Cooldown {
			return false
		}
		return d.state.CompareAndSwap(int32(BreakerOpen), int32(BreakerHalfOpen))
	case BreakerHalfOpen:
		// The single trial is already in flight.
		return false
	default:
		return false
	}
}

// recordSuccess resets the breaker to closed and stamps the success.
// Returns the state the breaker held before the reset.
func (d *Descriptor) recordSuccess(now time.Time) BreakerState {
	previous := BreakerState(d.state.Swap(int32(BreakerClosed)))
	d.streakMu.Lock()
	d.consecutive = 0
	d.windowStart = time.Time{}
	d.streakMu.Unlock()
	d.lastSuccess.Store(now.UnixNano())
	return previous
}

// recordFailure counts one classified failure and returns whether this
// failure opened the breaker. Consecutive failures only count inside the
// sliding window; a stale window restarts the count.
func (d *Descriptor) recordFailure(now time.Time, cfg config.BreakerConfig) (opened bool) {
	d.failures.Add(1)
	d.lastFailure.Store(now.UnixNano())

	// A failed half-open trial reopens immediately and restarts cool-down.
	if d.state.CompareAndSwap(int32(BreakerHalfOpen), int32(BreakerOpen)) {
		d.openedAt.Store(now.UnixNano())
		return true
	}

	d.streakMu.Lock()
	if d.windowStart.IsZero() || now.Sub(d.windowStart) > cfg.FailureWindow {
		d.windowStart = now
		d.consecutive = 1
	} else {
		d.consecutive++
	}
	streak := d.consecutive
	d.streakMu.Unlock()

	if streak >= cfg.FailureThreshold &&
		d.state.CompareAndSwap(int32(BreakerClosed), int32(BreakerOpen)) {
		d.openedAt.Store(now.UnixNano())
		return true
	}
	return false
}
