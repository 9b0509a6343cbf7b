// Package circuit provides a per-provider circuit breaker for dispatch calls.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing provider failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject dispatches until cooldown expires
	HalfOpen              // Probing whether the provider recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form for API responses.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

// UnmarshalJSON decodes the string form written by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"closed"`:
		*s = Closed
	case `"open"`:
		*s = Open
	case `"half_open"`:
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown circuit state %s", data)
	}
	return nil
}

// Config defines thresholds for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold"` // Successes to close from half-open
	Cooldown         time.Duration `json:"cooldown"`          // Time to wait before probing again
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Cooldown:         30 * time.Second,
}

// Error is returned when a dispatch is rejected because the circuit is open.
type Error struct {
	Provider string
	State    State
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s circuit is %s", e.Provider, e.State)
}

// Breaker tracks consecutive failures for one provider and gates dispatches.
type Breaker struct {
	mu              sync.RWMutex
	config          Config
	provider        string
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// New creates a circuit breaker for the named provider.
func New(provider string, config Config) *Breaker {
	return &Breaker{
		config:   config,
		provider: provider,
		state:    Closed,
	}
}

// Allow reports whether a dispatch may proceed. An open circuit whose
// cooldown has elapsed transitions to half-open and allows one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true

	case Open:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false

	case HalfOpen:
		// Allowed; the provider budget bounds concurrency of probes.
		return true

	default:
		return false
	}
}

// Record records the outcome of one dispatch.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// CooldownUntil returns when an open circuit next allows a probe, and the
// zero time when the circuit is not open.
func (b *Breaker) CooldownUntil() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state != Open {
		return time.Time{}
	}
	return b.lastFailureTime.Add(b.config.Cooldown)
}

// Provider returns the provider name this breaker guards.
func (b *Breaker) Provider() string {
	return b.provider
}

// Reset manually resets the circuit breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0

	case HalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}

	case Open:
		// A success while open means an in-flight call outlived the trip; ignore.
	}
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}

	case HalfOpen:
		// Any failure in half-open immediately reopens the circuit.
		b.state = Open
		b.successCount = 0

	case Open:
	}
}
