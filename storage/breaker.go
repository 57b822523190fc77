package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker guards a remote backend with a circuit breaker so that a dead
// server fails calls fast instead of stalling every write-through.
// Not-found and invalid-key results do not count as failures.
type Breaker struct {
	Backend
	cb *gobreaker.CircuitBreaker
}

// BreakerConfig tunes the breaker. Zero values pick defaults.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker (default 5).
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open (default 30s).
	OpenTimeout time.Duration
}

// WithBreaker wraps b.
func WithBreaker(b Backend, cfg BreakerConfig) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	threshold := cfg.ConsecutiveFailures

	return &Breaker{
		Backend: b,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    b.Name(),
			Timeout: cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey)
			},
		}),
	}
}

// State reports the breaker state ("closed", "half-open" or "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) execute(op, key string, fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &StorageError{Kind: ErrUnavailable, Op: op, Key: key, Backend: b.Name(), Err: err}
	}
	return v, err
}

func (b *Breaker) Write(ctx context.Context, key, content string) error {
	_, err := b.execute("write", key, func() (any, error) {
		return nil, b.Backend.Write(ctx, key, content)
	})
	return err
}

func (b *Breaker) Read(ctx context.Context, key string) (string, error) {
	v, err := b.execute("read", key, func() (any, error) {
		return b.Backend.Read(ctx, key)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Breaker) Delete(ctx context.Context, key string) error {
	_, err := b.execute("delete", key, func() (any, error) {
		return nil, b.Backend.Delete(ctx, key)
	})
	return err
}

func (b *Breaker) List(ctx context.Context, prefix string) ([]string, error) {
	v, err := b.execute("list", prefix, func() (any, error) {
		return b.Backend.List(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}
