package events

const (
	// KindProviderAttemptFailed identifies a classified provider failure.
	KindProviderAttemptFailed Kind = "provider.attempt_failed"
	// KindProviderRecovered identifies a provider success after failures.
	KindProviderRecovered Kind = "provider.recovered"
	// KindBreakerStateChanged identifies a circuit breaker transition.
	KindBreakerStateChanged Kind = "provider.breaker_state_changed"
	// KindCacheHit identifies a response cache hit.
	KindCacheHit Kind = "cache.hit"
	// KindCacheMiss identifies a response cache miss.
	KindCacheMiss Kind = "cache.miss"
)

// ProviderAttemptFailed reports one failed provider attempt and its
// classification.
type ProviderAttemptFailed struct {
	Base
	Capability string
	Provider   string
	Failure    string
}

// NewProviderAttemptFailed creates a provider attempt failed event.
func NewProviderAttemptFailed(capability, provider, failure string) ProviderAttemptFailed {
	return ProviderAttemptFailed{Base: NewBase(KindProviderAttemptFailed), Capability: capability, Provider: provider, Failure: failure}
}

// ProviderRecovered reports a provider succeeding again after its breaker
// had opened.
type ProviderRecovered struct {
	Base
	Capability string
	Provider   string
}

// NewProviderRecovered creates a provider recovered event.
func NewProviderRecovered(capability, provider string) ProviderRecovered {
	return ProviderRecovered{Base: NewBase(KindProviderRecovered), Capability: capability, Provider: provider}
}

// BreakerStateChanged reports a circuit breaker transition.
type BreakerStateChanged struct {
	Base
	Capability string
	Provider   string
	From       string
	To         string
}

// NewBreakerStateChanged creates a breaker state changed event.
func NewBreakerStateChanged(capability, provider, from, to string) BreakerStateChanged {
	return BreakerStateChanged{Base: NewBase(KindBreakerStateChanged), Capability: capability, Provider: provider, From: from, To: to}
}

// CacheHit reports a response served from the cache.
type CacheHit struct {
	Base
	Capability string
}

// NewCacheHit creates a cache hit event.
func NewCacheHit(capability string) CacheHit {
	return CacheHit{Base: NewBase(KindCacheHit), Capability: capability}
}

// CacheMiss reports a cache lookup that fell through to a provider call.
type CacheMiss struct {
	Base
	Capability string
}

// NewCacheMiss creates a cache miss event.
func NewCacheMiss(capability string) CacheMiss {
	return CacheMiss{Base: NewBase(KindCacheMiss), Capability: capability}
}
