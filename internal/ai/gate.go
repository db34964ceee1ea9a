package ai

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate bounds access to the underlying capability across every stage of
// every run: a weighted semaphore caps concurrent in-flight calls and a
// token-bucket limiter caps the call rate. One Gate is shared process-wide
// so a single large run cannot starve others.
type Gate struct {
	inner   Capability
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// GateConfig configures the global capability gate.
type GateConfig struct {
	// MaxInFlight is the maximum concurrent capability calls (default: 8)
	MaxInFlight int64
	// CallsPerSecond is the sustained call rate (0 = unlimited)
	CallsPerSecond float64
	// Burst is the rate limiter burst size (default: MaxInFlight)
	Burst int
}

// DefaultGateConfig returns the default gate configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxInFlight:    8,
		CallsPerSecond: 10,
		Burst:          8,
	}
}

// NewGate wraps a capability with global concurrency and rate limits.
func NewGate(inner Capability, cfg GateConfig) *Gate {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultGateConfig().MaxInFlight
	}
	var limiter *rate.Limiter
	if cfg.CallsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.MaxInFlight)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst)
	}
	return &Gate{
		inner:   inner,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		limiter: limiter,
	}
}

// Invoke implements Capability. The caller blocks until a slot and a rate
// token are available or ctx is canceled.
func (g *Gate) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring capability slot for %s: %w", req.Operation, err)
	}
	defer g.sem.Release(1)

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for capability rate token for %s: %w", req.Operation, err)
		}
	}

	return g.inner.Invoke(ctx, req)
}
