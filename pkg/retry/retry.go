// Package retry provides retry with exponential backoff for calls to the
// node, the broker and the databases.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bardlex/gomine/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool // add up to 10% to each delay

	// OnRetry, when set, is called before sleeping between attempts.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func preset(attempts int, base, maxDelay time.Duration, multiplier float64) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		Multiplier:  multiplier,
		Jitter:      true,
	}
}

// DefaultConfig is used when Do is given a nil config.
func DefaultConfig() *Config { return preset(3, 100*time.Millisecond, 5*time.Second, 2) }

// RPCConfig is tuned for bitcoind JSON-RPC calls, which fail fast when the
// node is busy and recover quickly.
func RPCConfig() *Config { return preset(5, 50*time.Millisecond, 2*time.Second, 1.5) }

// KafkaConfig is for broker reads and writes.
func KafkaConfig() *Config { return preset(4, 100*time.Millisecond, 3*time.Second, 2) }

// DatabaseConfig is for Postgres, Redis and InfluxDB operations.
func DatabaseConfig() *Config { return preset(3, 200*time.Millisecond, 3*time.Second, 2) }

// Do calls fn until it succeeds, returns an error that is not retryable,
// or the attempts run out. Only the last error is returned; when the
// attempts run out it is wrapped with the attempt count.
func Do(ctx context.Context, config *Config, fn func() error) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that return a value
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	if config == nil {
		config = DefaultConfig()
	}
	attempts := max(config.MaxAttempts, 1)

	var zero T
	for attempt := 0; ; attempt++ {
		res, err := fn()
		switch {
		case err == nil:
			return res, nil
		case !errors.IsRetryable(err):
			return zero, err
		case attempt+1 >= attempts:
			return zero, errors.Wrap(err, errors.ErrorTypeInternal, "retry",
				"operation failed after maximum retry attempts").
				WithContext("max_attempts", attempts)
		}

		delay := config.calculateDelay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// calculateDelay returns the backoff after the given zero-based attempt
func (c *Config) calculateDelay(attempt int) time.Duration {
	d := min(float64(c.BaseDelay)*math.Pow(c.Multiplier, float64(attempt)), float64(c.MaxDelay))
	if c.Jitter {
		d *= 1 + 0.1*rand.Float64()
	}
	return time.Duration(d)
}
