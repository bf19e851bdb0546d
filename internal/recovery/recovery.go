// Package recovery implements the retry, timeout, and circuit-breaker policy
// applied to every device adapter call.
//
// A Policy wraps an operation with bounded exponential retry for transient
// failures, a per-attempt timeout so a hung socket cannot stall the command
// loop, and a breaker that short-circuits after repeated exhausted calls and
// reports degraded capability instead of hanging.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hearthctl/hearth/internal/device"
)

// ErrBreakerOpen is returned without invoking the operation while the
// breaker is open. It wraps ErrDeviceUnavailable so callers converting it
// with device.FromError see a degraded-mode result.
var ErrBreakerOpen = fmt.Errorf("%w: circuit breaker open", device.ErrDeviceUnavailable)

// Config tunes a Policy. Zero fields fall back to defaults.
type Config struct {
	MaxRetries       uint64        // retry attempts after the first call (default 2)
	InitialInterval  time.Duration // first backoff interval (default 200ms)
	MaxInterval      time.Duration // backoff ceiling (default 2s)
	CallTimeout      time.Duration // per-attempt deadline (default 10s)
	BreakerThreshold int           // consecutive exhausted calls before opening (default 3)
	BreakerCooldown  time.Duration // open duration before a probe call (default 30s)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Policy is the recovery policy for one adapter. Safe for concurrent use.
type Policy struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	failures int // consecutive exhausted Execute calls
	openedAt time.Time
}

// New creates a Policy named after the adapter it protects.
func New(name string, cfg Config) *Policy {
	return &Policy{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: slog.With("component", "recovery", "adapter", name),
	}
}

// Execute runs fn under the policy: per-attempt timeout, bounded exponential
// retry for transient errors, breaker short-circuit. The returned error is
// nil on success, ErrBreakerOpen when short-circuited, or the final attempt
// error once retries are exhausted.
func (p *Policy) Execute(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := p.checkBreaker(); err != nil {
		p.logger.Warn("short-circuiting call", "op", op)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialInterval
	bo.MaxInterval = p.cfg.MaxInterval
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not wall clock

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		p.logger.Warn("attempt failed", "op", op, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, p.cfg.MaxRetries), ctx))

	p.record(op, err)
	return err
}

// Open reports whether the breaker is currently open.
func (p *Policy) Open() bool {
	return p.checkBreaker() != nil
}

func (p *Policy) checkBreaker() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures < p.cfg.BreakerThreshold {
		return nil
	}
	if time.Since(p.openedAt) >= p.cfg.BreakerCooldown {
		// Cooldown elapsed: allow one probe call through.
		p.failures = p.cfg.BreakerThreshold - 1
		return nil
	}
	return ErrBreakerOpen
}

func (p *Policy) record(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		if p.failures >= p.cfg.BreakerThreshold {
			p.logger.Info("breaker closed", "op", op)
		}
		p.failures = 0
		return
	}
	p.failures++
	if p.failures == p.cfg.BreakerThreshold {
		p.openedAt = time.Now()
		p.logger.Error("breaker opened", "op", op, "consecutive_failures", p.failures, "error", err)
	}
}

// retryable reports whether an error is worth retrying. User input and
// context cancellation are permanent; device and network errors are
// transient.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch device.Classify(err) {
	case device.KindUserInput, device.KindConfiguration:
		return false
	default:
		return true
	}
}
