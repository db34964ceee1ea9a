package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig holds retry configuration for capability calls.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (default: 2)
	MaxRetries int `yaml:"max_retries"`
	// InitialBackoff is the first backoff duration (default: 500ms)
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the backoff growth (default: 30s)
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// BackoffMultiplier is the exponential growth factor (default: 2.0)
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// JitterFraction randomizes each backoff by ±this fraction (default: 0.2)
	JitterFraction float64 `yaml:"jitter_fraction"`
	// Timeout is the per-attempt deadline (default: 30s)
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
		Timeout:           30 * time.Second,
	}
}

// Retrier wraps a Capability with per-call timeout and exponential backoff.
// Structural and non-retriable errors pass through immediately; transient
// errors are retried up to MaxRetries times.
type Retrier struct {
	inner  Capability
	cfg    RetryConfig
	logger *slog.Logger

	// sleep is swapped out in tests to avoid real backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier wraps a capability with retry behavior.
func NewRetrier(inner Capability, cfg RetryConfig, logger *slog.Logger) *Retrier {
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultRetryConfig().MaxBackoff
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = DefaultRetryConfig().BackoffMultiplier
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultRetryConfig().InitialBackoff
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRetryConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		inner:  inner,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Invoke implements Capability.
func (r *Retrier) Invoke(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	backoff := r.cfg.InitialBackoff

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		resp, err := r.inner.Invoke(attemptCtx, req)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			if attempt > 0 {
				r.logger.Info("capability call succeeded after retry",
					"operation", req.Operation, "item", req.ItemID, "attempt", attempt+1)
			}
			return resp, nil
		}

		// An attempt that hit its own deadline while the parent is still
		// live is a timeout, which is retriable.
		if timedOut && ctx.Err() == nil {
			err = &CapabilityError{Operation: req.Operation, Retriable: true, Err: ErrTimeout}
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s canceled: %w", req.Operation, ctx.Err())
		}
		if IsStructural(err) || !IsRetriable(err) {
			return nil, err
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		wait := jitter(backoff, r.cfg.JitterFraction)
		r.logger.Warn("capability call failed, retrying",
			"operation", req.Operation, "item", req.ItemID,
			"attempt", attempt+1, "backoff", wait, "error", err)
		if err := r.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("%s canceled during backoff: %w", req.Operation, err)
		}

		backoff = time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", req.Operation, r.cfg.MaxRetries+1, lastErr)
}

// jitter randomizes d by ±fraction.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * fraction * float64(d)
	return time.Duration(float64(d) + delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
