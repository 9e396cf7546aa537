// Package backoff computes capped exponential retry delays and runs bounded
// retry loops for collaborators that talk to unreliable services.
package backoff

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config configures retry delays.
type Config struct {
	InitialDelayMS int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayMS     int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Jitter         bool    `json:"jitter" yaml:"jitter"`
}

// DefaultConfig is 200ms doubling up to 60s. Jitter is off for determinism.
func DefaultConfig() Config {
	return Config{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

// Normalize clamps nonsensical values.
func (c Config) Normalize() Config {
	if c.InitialDelayMS < 0 {
		c.InitialDelayMS = 0
	}
	if c.MaxDelayMS < 0 {
		c.MaxDelayMS = 0
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 1.0
	}
	return c
}

// DelayForAttempt returns the wait before retry number attempt (1-indexed).
// Jitter, when enabled, is derived from jitterSeed so runs are reproducible.
func DelayForAttempt(attempt int, cfg Config, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	// base = initial * factor^(attempt-1), capped.
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Policy bounds a retry loop.
type Policy struct {
	Config

	// MaxAttempts counts the first call. Values < 1 mean a single attempt.
	MaxAttempts int

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	// Wait overrides the computed delay when it returns a positive value,
	// e.g. to honor a server-provided Retry-After.
	Wait func(err error) time.Duration

	// Sleep defaults to SleepWithContext.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ExhaustedError wraps the last error once every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, or runs out
// of attempts. Non-retryable errors come back unwrapped.
func Do(ctx context.Context, p Policy, seed string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepWithContext
	}
	cfg := p.Config.Normalize()
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return errors.Join(last, context.Cause(ctx))
			}
			return context.Cause(ctx)
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := DelayForAttempt(attempt, cfg, fmt.Sprintf("%s:%d", seed, attempt))
		if p.Wait != nil {
			if d := p.Wait(err); d > 0 {
				delay = d
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
	if attempts == 1 {
		return last
	}
	return &ExhaustedError{Attempts: attempts, Err: last}
}
