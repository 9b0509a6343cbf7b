package health

import (
	"strings"
	"testing"
	"time"

	"imageforge/pkg/config"
	"imageforge/pkg/queue"
	"imageforge/pkg/resilience/circuit"
)

func evalConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxDepth:  10,
		WarnDepth: 7,
		AgeWarn:   config.Duration(30 * time.Second),
	}
}

func pendingFor(providers ...string) []queue.Request {
	return []queue.Request{{
		ID:        "r1",
		Status:    queue.StatusQueued,
		Providers: providers,
	}}
}

func closedBudget(provider string) queue.BudgetView {
	return queue.BudgetView{Provider: provider, Limit: 2, CircuitState: circuit.Closed}
}

func openBudget(provider string) queue.BudgetView {
	return queue.BudgetView{
		Provider:      provider,
		Limit:         2,
		CircuitState:  circuit.Open,
		CooldownUntil: time.Now().Add(30 * time.Second),
	}
}

func TestEvaluate_Healthy(t *testing.T) {
	report := Evaluate(evalConfig(), 3, 2*time.Second, pendingFor("openai"),
		[]queue.BudgetView{closedBudget("openai")})

	if report.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy (issues: %v)", report.Status, report.Issues)
	}
	if len(report.Issues) != 0 {
		t.Errorf("healthy report should have no issues, got %v", report.Issues)
	}
}

func TestEvaluate_WarningNearCapacity(t *testing.T) {
	report := Evaluate(evalConfig(), 7, time.Second, nil, nil)

	if report.Status != StatusWarning {
		t.Errorf("status at warn depth = %s, want warning", report.Status)
	}
}

func TestEvaluate_CriticalAtCapacity(t *testing.T) {
	report := Evaluate(evalConfig(), 10, time.Second, nil, nil)

	if report.Status != StatusCritical {
		t.Errorf("status at max depth = %s, want critical", report.Status)
	}
	if len(report.Issues) == 0 || !strings.Contains(report.Issues[0], "at capacity") {
		t.Errorf("expected capacity issue, got %v", report.Issues)
	}
}

func TestEvaluate_WarningOnOldRequest(t *testing.T) {
	report := Evaluate(evalConfig(), 1, 45*time.Second, pendingFor("openai"),
		[]queue.BudgetView{closedBudget("openai")})

	if report.Status != StatusWarning {
		t.Errorf("status with stale request = %s, want warning", report.Status)
	}
}

func TestEvaluate_WarningOnOpenCircuit(t *testing.T) {
	// One circuit open but another provider can still serve the work.
	report := Evaluate(evalConfig(), 1, time.Second, pendingFor("openai", "google"),
		[]queue.BudgetView{openBudget("openai"), closedBudget("google")})

	if report.Status != StatusWarning {
		t.Errorf("status = %s, want warning", report.Status)
	}
}

func TestEvaluate_CriticalAllReferencedOpen(t *testing.T) {
	report := Evaluate(evalConfig(), 1, time.Second, pendingFor("openai"),
		[]queue.BudgetView{openBudget("openai"), closedBudget("google")})

	if report.Status != StatusCritical {
		t.Errorf("status = %s, want critical when pending work has no live provider", report.Status)
	}
}

func TestEvaluate_OpenCircuitNoPendingIsWarning(t *testing.T) {
	// An open circuit with nothing queued is degraded but not stalled.
	report := Evaluate(evalConfig(), 0, 0, nil,
		[]queue.BudgetView{openBudget("openai")})

	if report.Status != StatusWarning {
		t.Errorf("status = %s, want warning", report.Status)
	}
}

func TestCheck_EmptyQueue(t *testing.T) {
	q := queue.New([]*queue.Budget{queue.NewBudget("openai", 2, circuit.DefaultConfig)})

	report := Check(q, evalConfig())
	if report.Status != StatusHealthy {
		t.Errorf("empty queue status = %s, want healthy", report.Status)
	}
}
