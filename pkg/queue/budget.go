package queue

import (
	"time"

	"imageforge/pkg/resilience/circuit"
)

// Budget tracks the concurrency ceiling and in-flight count for one provider.
// The inFlight counter is mutated only under the owning queue's mutex.
type Budget struct {
	Provider string
	Limit    int
	inFlight int
	breaker  *circuit.Breaker
}

// NewBudget creates a provider budget with its own circuit breaker.
func NewBudget(provider string, limit int, circuitCfg circuit.Config) *Budget {
	return &Budget{
		Provider: provider,
		Limit:    limit,
		breaker:  circuit.New(provider, circuitCfg),
	}
}

// hasRoom reports whether another dispatch may start for this provider.
func (b *Budget) hasRoom() bool {
	return b.inFlight < b.Limit && b.breaker.Allow()
}

// Breaker exposes the provider's circuit breaker for result recording.
func (b *Budget) Breaker() *circuit.Breaker {
	return b.breaker
}

// BudgetView is a read-only projection of a provider budget.
type BudgetView struct {
	Provider      string        `json:"provider"`
	Limit         int           `json:"limit"`
	InFlight      int           `json:"in_flight"`
	CircuitState  circuit.State `json:"circuit_state"`
	CooldownUntil time.Time     `json:"cooldown_until,omitempty"`
}
