// Package queue holds the generation request queue and per-provider budgets.
package queue

import "time"

// Status represents the lifecycle state of a queued generation request.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Request represents a generation request tracked by the queue.
type Request struct {
	ID            string            `json:"id"`
	Prompt        string            `json:"prompt"`
	Providers     []string          `json:"providers"`
	Guidance      map[string]string `json:"guidance,omitempty"`
	UserID        string            `json:"user_id"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	NextAttemptAt time.Time         `json:"next_attempt_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

// TargetsProvider reports whether the request lists the given provider.
func (r *Request) TargetsProvider(provider string) bool {
	for _, p := range r.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// ready reports whether the request is eligible for dispatch at the given time.
// Retries become ready once their backoff delay has elapsed.
func (r *Request) ready(now time.Time) bool {
	switch r.Status {
	case StatusQueued:
		return true
	case StatusRetrying:
		return !now.Before(r.NextAttemptAt)
	default:
		return false
	}
}

// clone returns a deep copy so callers never hold a reference into queue state.
func (r *Request) clone() Request {
	cp := *r
	cp.Providers = append([]string(nil), r.Providers...)
	if r.Guidance != nil {
		cp.Guidance = make(map[string]string, len(r.Guidance))
		for k, v := range r.Guidance {
			cp.Guidance[k] = v
		}
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}
