// Package retry provides backoff scheduling for retryable dispatch failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"imageforge/pkg/resilience/circuit"
)

// Config defines the backoff schedule.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum dispatch attempts (including the first)
	InitialDelay  time.Duration `json:"initial_delay"`  // Base delay before the first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Cap on the delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Randomize delays to avoid thundering herd
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier decides whether an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier for unclassified errors. Classified
// provider errors carry their own retryability; this covers everything else.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Never retry context cancellation: the caller is gone.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Per-call deadlines are retryable; the request itself is still wanted.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Circuit breaker rejections are handled by the breaker's cooldown.
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	errStr := err.Error()

	// Network-ish failures.
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "temporary") {
		return true
	}

	// Rate limiting.
	if strings.Contains(errStr, "rate") || strings.Contains(errStr, "429") {
		return true
	}

	// Server errors.
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return true
	}

	// Client errors other than rate limiting are not worth repeating.
	if strings.Contains(errStr, "400") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "404") {
		return false
	}

	return false
}

// Policy encapsulates retry configuration and classification.
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a retry policy. A nil classifier falls back to ShouldRetry.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
	}
}

// CalculateDelay computes the backoff before the next attempt, given how many
// attempts have already been made. The first retry (attempts=1) waits
// InitialDelay, and the delay doubles (by BackoffFactor) per further attempt,
// capped at MaxDelay.
func (p *Policy) CalculateDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempts-1)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		// +/- 10% jitter.
		jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay)) //nolint:gosec // Non-cryptographic jitter
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}

	return delay
}

// ShouldRetry applies the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}

// Exhausted reports whether the attempt budget is spent.
func (p *Policy) Exhausted(attempts int) bool {
	return attempts >= p.Config.MaxAttempts
}
