package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/andresmejia3/facequeue/internal/blob"
	"github.com/andresmejia3/facequeue/internal/queue"
	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds the in-process retries around transient storage and
// queue calls. Exhausting them turns the call into a fatal request error.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	return c
}

// retry runs op until it succeeds, fails permanently or runs out of tries.
func retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	cfg = cfg.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && isPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(cfg.MaxTries))
	return err
}

func isPermanent(err error) bool {
	return errors.Is(err, blob.ErrNotFound) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, queue.ErrMissingGroupKey) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// releaseDelay is the queue-native backoff before a failed message becomes
// visible again, growing with each delivery.
func releaseDelay(receiveCount int, initial, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = 0
	b.Multiplier = 2

	d := b.NextBackOff()
	for i := 1; i < receiveCount; i++ {
		d = b.NextBackOff()
	}
	return d
}
