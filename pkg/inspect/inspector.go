// Package inspect provides the read-only operational snapshot of the queue
// plus the admin mutations (clear, remove). Authorization and audit logging
// of the mutations are the caller's responsibility.
package inspect

import (
	"time"

	"imageforge/pkg/config"
	"imageforge/pkg/health"
	"imageforge/pkg/logx"
	"imageforge/pkg/queue"
)

// PendingRequest is one non-terminal request in a snapshot.
type PendingRequest struct {
	ID        string       `json:"id"`
	Prompt    string       `json:"prompt"`
	Providers []string     `json:"providers"`
	Status    queue.Status `json:"status"`
	Attempts  int          `json:"attempts"`
	Timestamp time.Time    `json:"timestamp"`
}

// Snapshot is a point-in-time, read-only projection of queue state.
type Snapshot struct {
	Length             int                `json:"length"`
	IsProcessing       bool               `json:"isProcessing"`
	OldestRequestAgeMs int64              `json:"oldestRequestAgeMs"`
	PendingRequests    []PendingRequest   `json:"pendingRequests"`
	Providers          []queue.BudgetView `json:"providers"`
	Health             health.Report      `json:"health"`
}

// Inspector exposes snapshots and admin mutations over one queue.
type Inspector struct {
	queue  *queue.RequestQueue
	cfg    config.QueueConfig
	logger *logx.Logger
}

// New creates an inspector over the given queue.
func New(q *queue.RequestQueue, cfg config.QueueConfig) *Inspector {
	return &Inspector{
		queue:  q,
		cfg:    cfg,
		logger: logx.NewLogger("inspect"),
	}
}

// Snapshot builds a read-only projection of the queue. It never mutates
// state and never blocks dispatch workers beyond a shared read lock.
func (i *Inspector) Snapshot() Snapshot {
	now := time.Now().UTC()
	pending := i.queue.Pending()
	budgets := i.queue.Budgets()

	requests := make([]PendingRequest, 0, len(pending))
	for _, req := range pending {
		requests = append(requests, PendingRequest{
			ID:        req.ID,
			Prompt:    req.Prompt,
			Providers: req.Providers,
			Status:    req.Status,
			Attempts:  req.Attempts,
			Timestamp: req.SubmittedAt,
		})
	}

	oldestAge := i.queue.OldestPendingAge(now)
	return Snapshot{
		Length:             len(pending),
		IsProcessing:       i.queue.IsProcessing(),
		OldestRequestAgeMs: oldestAge.Milliseconds(),
		PendingRequests:    requests,
		Providers:          budgets,
		Health:             health.Evaluate(i.cfg, len(pending), oldestAge, pending, budgets),
	}
}

// Clear cancels every queued and retrying request and returns the count.
// In-flight dispatches finish normally.
func (i *Inspector) Clear() int {
	cleared := i.queue.Clear()
	i.logger.Info("admin clear cancelled %d requests", cleared)
	return cleared
}

// Remove cancels one pending request. Dispatched, terminal, and unknown
// requests return an explicit error.
func (i *Inspector) Remove(id string) error {
	if err := i.queue.Cancel(id); err != nil {
		return err
	}
	i.logger.Info("admin removed request %s", id)
	return nil
}
