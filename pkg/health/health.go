// Package health derives a health verdict for the generation queue from
// queue depth, request age, and circuit breaker state.
package health

import (
	"fmt"
	"time"

	"imageforge/pkg/config"
	"imageforge/pkg/queue"
	"imageforge/pkg/resilience/circuit"
)

// Health verdicts, ordered by severity.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Report is the health verdict plus human-readable issues.
type Report struct {
	Status string   `json:"status"`
	Issues []string `json:"issues"`
}

// Evaluate is a pure function over a point-in-time view of the queue.
//
// Critical: the queue is at capacity, or every provider referenced by a
// pending request has an open circuit. Warning: depth or oldest-request age
// crossed its warn threshold. Healthy otherwise.
func Evaluate(cfg config.QueueConfig, length int, oldestAge time.Duration, pending []queue.Request, budgets []queue.BudgetView) Report {
	issues := []string{}
	critical := false
	warning := false

	if length >= cfg.MaxDepth {
		critical = true
		issues = append(issues, fmt.Sprintf("queue depth %d at capacity %d", length, cfg.MaxDepth))
	} else if length >= cfg.WarnDepth {
		warning = true
		issues = append(issues, fmt.Sprintf("queue depth %d near capacity (warn at %d)", length, cfg.WarnDepth))
	}

	if ageWarn := cfg.AgeWarn.D(); ageWarn > 0 && oldestAge >= ageWarn {
		warning = true
		issues = append(issues, fmt.Sprintf("oldest pending request waiting %s", oldestAge.Round(time.Millisecond)))
	}

	circuitState := make(map[string]circuit.State, len(budgets))
	for _, b := range budgets {
		circuitState[b.Provider] = b.CircuitState
		if b.CircuitState == circuit.Open {
			issues = append(issues, fmt.Sprintf("provider %s circuit open (cooldown until %s)", b.Provider, b.CooldownUntil.Format(time.RFC3339)))
		}
	}

	if allReferencedOpen(pending, circuitState) {
		critical = true
		issues = append(issues, "all providers referenced by pending requests have open circuits")
	}

	switch {
	case critical:
		return Report{Status: StatusCritical, Issues: issues}
	case warning || anyOpen(circuitState):
		return Report{Status: StatusWarning, Issues: issues}
	default:
		return Report{Status: StatusHealthy, Issues: issues}
	}
}

// Check gathers the queue's current state and evaluates it.
func Check(q *queue.RequestQueue, cfg config.QueueConfig) Report {
	return Evaluate(cfg, q.Len(), q.OldestPendingAge(time.Now().UTC()), q.Pending(), q.Budgets())
}

// allReferencedOpen reports whether pending requests exist and every
// provider any of them targets has an open circuit.
func allReferencedOpen(pending []queue.Request, circuitState map[string]circuit.State) bool {
	referenced := false
	for _, req := range pending {
		for _, p := range req.Providers {
			state, known := circuitState[p]
			if !known {
				continue
			}
			referenced = true
			if state != circuit.Open {
				return false
			}
		}
	}
	return referenced
}

func anyOpen(circuitState map[string]circuit.State) bool {
	for _, state := range circuitState {
		if state == circuit.Open {
			return true
		}
	}
	return false
}
