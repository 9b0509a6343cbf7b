package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"imageforge/pkg/resilience/circuit"
)

// =============================================================================
// ShouldRetry classifier tests
// =============================================================================

func TestShouldRetry_NilError(t *testing.T) {
	if ShouldRetry(nil) {
		t.Error("Expected false for nil error")
	}
}

func TestShouldRetry_ContextCanceled(t *testing.T) {
	if ShouldRetry(context.Canceled) {
		t.Error("Expected false for context.Canceled")
	}
}

func TestShouldRetry_WrappedContextCanceled(t *testing.T) {
	err := fmt.Errorf("dispatch failed: %w", context.Canceled)
	if ShouldRetry(err) {
		t.Error("Expected false for wrapped context.Canceled")
	}
}

func TestShouldRetry_ContextDeadlineExceeded(t *testing.T) {
	// DeadlineExceeded SHOULD be retryable — per-call timeouts wrap
	// DeadlineExceeded but the request itself is still wanted.
	if !ShouldRetry(context.DeadlineExceeded) {
		t.Error("Expected true for context.DeadlineExceeded")
	}
}

func TestShouldRetry_CircuitError(t *testing.T) {
	err := &circuit.Error{Provider: "openai", State: circuit.Open}
	if ShouldRetry(err) {
		t.Error("Expected false for circuit breaker rejection")
	}
}

func TestShouldRetry_TimeoutString(t *testing.T) {
	if !ShouldRetry(errors.New("dial tcp: i/o timeout")) {
		t.Error("Expected true for timeout errors")
	}
}

func TestShouldRetry_RateLimited(t *testing.T) {
	if !ShouldRetry(errors.New("HTTP 429 Too Many Requests")) {
		t.Error("Expected true for 429 errors")
	}
}

func TestShouldRetry_ServerError(t *testing.T) {
	if !ShouldRetry(errors.New("upstream returned 503")) {
		t.Error("Expected true for 5xx errors")
	}
}

func TestShouldRetry_ClientError(t *testing.T) {
	if ShouldRetry(errors.New("HTTP 400 Bad Request")) {
		t.Error("Expected false for 400 errors")
	}
}

func TestShouldRetry_UnknownError(t *testing.T) {
	if ShouldRetry(errors.New("something odd happened")) {
		t.Error("Expected false for unrecognized errors")
	}
}

// =============================================================================
// Policy tests
// =============================================================================

func TestCalculateDelay_ExponentialGrowth(t *testing.T) {
	policy := NewPolicy(Config{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        false,
	}, nil)

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := policy.CalculateDelay(tc.attempts); got != tc.want {
			t.Errorf("CalculateDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestCalculateDelay_CappedAtMax(t *testing.T) {
	policy := NewPolicy(Config{
		MaxAttempts:   10,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        false,
	}, nil)

	if got := policy.CalculateDelay(9); got != 1*time.Second {
		t.Errorf("CalculateDelay(9) = %v, want capped 1s", got)
	}
}

func TestCalculateDelay_JitterStaysNearDelay(t *testing.T) {
	policy := NewPolicy(Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}, nil)

	for i := 0; i < 50; i++ {
		delay := policy.CalculateDelay(2)
		if delay < 180*time.Millisecond || delay > 220*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-10%% of 200ms", delay)
		}
	}
}

func TestExhausted(t *testing.T) {
	policy := NewPolicy(Config{MaxAttempts: 3}, nil)

	if policy.Exhausted(2) {
		t.Error("2 attempts of 3 should not be exhausted")
	}
	if !policy.Exhausted(3) {
		t.Error("3 attempts of 3 should be exhausted")
	}
}

func TestNewPolicy_NilClassifierDefaults(t *testing.T) {
	policy := NewPolicy(DefaultConfig, nil)
	if policy.ShouldRetry(errors.New("connection reset by peer")) != true {
		t.Error("Default classifier should apply when nil is passed")
	}
}

func TestNewPolicy_CustomClassifier(t *testing.T) {
	policy := NewPolicy(DefaultConfig, func(error) bool { return false })
	if policy.ShouldRetry(errors.New("timeout")) {
		t.Error("Custom classifier should override the default")
	}
}
