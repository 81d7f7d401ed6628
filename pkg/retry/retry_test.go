package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	gerrors "github.com/bardlex/gomine/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		attempts int
		base     time.Duration
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond},
		{"rpc", RPCConfig(), 5, 50 * time.Millisecond},
		{"kafka", KafkaConfig(), 4, 100 * time.Millisecond},
		{"database", DatabaseConfig(), 3, 200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.attempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.attempts)
			}
			if tt.config.BaseDelay != tt.base {
				t.Errorf("BaseDelay = %v, want %v", tt.config.BaseDelay, tt.base)
			}
			if tt.config.MaxDelay < tt.config.BaseDelay {
				t.Errorf("MaxDelay %v below BaseDelay %v", tt.config.MaxDelay, tt.config.BaseDelay)
			}
		})
	}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		errType   gerrors.ErrorType
		attempts  int
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, gerrors.ErrorTypeNetwork, 3, 1, false},
		{"recovers", 2, gerrors.ErrorTypeNetwork, 3, 3, false},
		{"exhausted", 5, gerrors.ErrorTypeTimeout, 3, 3, true},
		{"not retryable", 5, gerrors.ErrorTypeMalformedEncoding, 3, 1, true},
		{"zero attempts still runs once", 0, gerrors.ErrorTypeNetwork, 0, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastConfig(tt.attempts), func() error {
				calls++
				if calls <= tt.failures {
					return gerrors.New(tt.errType, "op", "failed")
				}
				return nil
			})

			if (err != nil) != tt.wantErr {
				t.Errorf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_ExhaustedKeepsCause(t *testing.T) {
	err := Do(context.Background(), fastConfig(2), func() error {
		return gerrors.New(gerrors.ErrorTypeNetwork, "get_block", "connection refused")
	})

	if !gerrors.IsType(err, gerrors.ErrorTypeInternal) {
		t.Errorf("IsType(internal) = false for %v", err)
	}
	if got := gerrors.GetContext(err)["max_attempts"]; got != 2 {
		t.Errorf("max_attempts = %v, want 2", got)
	}
	var se *gerrors.ServiceError
	if !errors.As(errors.Unwrap(err), &se) || se.Operation != "get_block" {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (int64, error) {
		calls++
		if calls < 2 {
			return 0, gerrors.New(gerrors.ErrorTypeNetwork, "get_block_count", "timeout")
		}
		return 840000, nil
	})

	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != 840000 {
		t.Errorf("DoWithResult() = %d, want 840000", got)
	}
}

func TestDo_OnRetry(t *testing.T) {
	cfg := fastConfig(3)
	var seen []int
	cfg.OnRetry = func(attempt int, _ time.Duration, _ error) {
		seen = append(seen, attempt)
	}

	_ = Do(context.Background(), cfg, func() error {
		return gerrors.New(gerrors.ErrorTypeNetwork, "op", "down")
	})

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", seen)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		cancel()
		return gerrors.New(gerrors.ErrorTypeNetwork, "op", "down")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCalculateDelay(t *testing.T) {
	cfg := &Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second},
	}

	for _, tt := range tests {
		if got := cfg.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	cfg.Jitter = true
	for range 20 {
		got := cfg.calculateDelay(1)
		if got < 200*time.Millisecond || got > 220*time.Millisecond {
			t.Fatalf("calculateDelay(1) with jitter = %v, outside [200ms, 220ms]", got)
		}
	}
}
