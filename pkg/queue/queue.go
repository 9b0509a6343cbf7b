package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"imageforge/pkg/logx"
	"imageforge/pkg/resilience/circuit"
)

// Sentinel errors for enqueue/cancel/remove operations.
var (
	ErrQueueFull  = fmt.Errorf("queue at capacity")
	ErrNotFound   = fmt.Errorf("request not found")
	ErrInFlight   = fmt.Errorf("request already dispatched")
	ErrTerminal   = fmt.Errorf("request already in a terminal state")
	ErrNoProvider = fmt.Errorf("unknown provider")
)

// RequestQueue is the single point of truth for queued generation requests
// and provider budgets. All mutations go through its mutex; no caller ever
// observes a half-updated state.
type RequestQueue struct {
	mu       sync.RWMutex
	requests map[string]*Request
	budgets  map[string]*Budget
	ready    chan struct{}
	logger   *logx.Logger
}

// New creates a request queue owning the given provider budgets.
func New(budgets []*Budget) *RequestQueue {
	byName := make(map[string]*Budget, len(budgets))
	for _, b := range budgets {
		byName[b.Provider] = b
	}
	return &RequestQueue{
		requests: make(map[string]*Request),
		budgets:  byName,
		ready:    make(chan struct{}, 1),
		logger:   logx.NewLogger("queue"),
	}
}

// Ready returns a channel that receives a signal whenever a request may have
// become dispatchable. The signal is coalesced; dispatch workers also poll.
func (q *RequestQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *RequestQueue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Enqueue adds an admitted request to the queue in Queued state.
func (q *RequestQueue) Enqueue(req *Request) {
	q.mu.Lock()
	req.Status = StatusQueued
	q.requests[req.ID] = req
	q.mu.Unlock()

	q.logger.Debug("enqueued request %s for providers %v", req.ID, req.Providers)
	q.notify()
}

// TryEnqueue adds a request in Queued state unless the non-terminal count is
// already at maxDepth, returning ErrQueueFull in that case. The depth check
// and the insertion share one critical section, so concurrent admissions
// cannot overshoot the ceiling.
func (q *RequestQueue) TryEnqueue(req *Request, maxDepth int) error {
	q.mu.Lock()
	count := 0
	for _, r := range q.requests {
		if !r.Status.IsTerminal() {
			count++
		}
	}
	if count >= maxDepth {
		q.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", req.ID, ErrQueueFull)
	}
	req.Status = StatusQueued
	q.requests[req.ID] = req
	q.mu.Unlock()

	q.logger.Debug("enqueued request %s for providers %v", req.ID, req.Providers)
	q.notify()
	return nil
}

// DequeueForProvider atomically claims the oldest ready request targeting the
// given provider, provided the provider has budget room and a non-open
// circuit. The claimed request is transitioned to Dispatched with attempts
// incremented, and the provider's in-flight count is raised in the same
// critical section, so the budget ceiling holds under any burst.
func (q *RequestQueue) DequeueForProvider(provider string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	budget, exists := q.budgets[provider]
	if !exists || !budget.hasRoom() {
		return Request{}, false
	}

	now := time.Now().UTC()
	var oldest *Request
	for _, req := range q.requests {
		if !req.ready(now) || !req.TargetsProvider(provider) {
			continue
		}
		if oldest == nil || req.SubmittedAt.Before(oldest.SubmittedAt) {
			oldest = req
		}
	}
	if oldest == nil {
		return Request{}, false
	}

	oldest.Status = StatusDispatched
	oldest.Attempts++
	budget.inFlight++

	return oldest.clone(), true
}

// Complete records a successful dispatch: the provider slot is released, the
// circuit breaker sees a success, and the request becomes Completed. A
// request cancelled while in flight keeps its terminal state; the result is
// discarded.
func (q *RequestQueue) Complete(id, provider string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.releaseLocked(provider, true)
	q.setStatusLocked(id, StatusCompleted, "")
}

// ReleaseDispatch releases a provider slot after a failed dispatch and
// records the failure on the circuit breaker. The request's own fate (retry
// or terminal failure) is decided separately.
func (q *RequestQueue) ReleaseDispatch(provider string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(provider, false)
}

// ReleaseSlot releases a provider slot without recording a circuit outcome.
// Used when a dispatch was abandoned by shutdown rather than failed by the
// provider, so a drain cannot spuriously trip the breaker.
func (q *RequestQueue) ReleaseSlot(provider string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	budget, exists := q.budgets[provider]
	if !exists {
		return
	}
	if budget.inFlight > 0 {
		budget.inFlight--
	}
}

func (q *RequestQueue) releaseLocked(provider string, success bool) {
	budget, exists := q.budgets[provider]
	if !exists {
		return
	}
	if budget.inFlight > 0 {
		budget.inFlight--
	}
	budget.breaker.Record(success)
}

// ScheduleRetry moves a request back to Retrying with the time its next
// attempt becomes eligible. The original submission time is kept, so a retry
// re-enters at its original queue position rather than the back of the line.
func (q *RequestQueue) ScheduleRetry(id string, nextAttemptAt time.Time, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.requests[id]
	if !exists {
		return fmt.Errorf("schedule retry %s: %w", id, ErrNotFound)
	}
	if req.Status.IsTerminal() {
		return nil
	}

	req.Status = StatusRetrying
	req.NextAttemptAt = nextAttemptAt
	req.LastError = errMsg
	return nil
}

// Fail transitions a request to the terminal Failed state.
func (q *RequestQueue) Fail(id, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.requests[id]; !exists {
		return fmt.Errorf("fail %s: %w", id, ErrNotFound)
	}
	q.setStatusLocked(id, StatusFailed, errMsg)
	return nil
}

// setStatusLocked applies a status change, silently ignoring writes to
// requests that already reached a terminal state.
func (q *RequestQueue) setStatusLocked(id string, status Status, errMsg string) {
	req, exists := q.requests[id]
	if !exists {
		return
	}
	if req.Status.IsTerminal() {
		q.logger.Debug("ignoring %s write to terminal request %s (%s)", status, id, req.Status)
		return
	}

	req.Status = status
	if errMsg != "" {
		req.LastError = errMsg
	}
	if status.IsTerminal() {
		now := time.Now().UTC()
		req.FinishedAt = &now
	}
}

// Cancel cancels one pending request. Requests that are already dispatched
// finish normally; cancelling them is an explicit error, as is cancelling a
// terminal or unknown request.
func (q *RequestQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.requests[id]
	if !exists {
		return fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	switch {
	case req.Status.IsTerminal():
		return fmt.Errorf("cancel %s: %w", id, ErrTerminal)
	case req.Status == StatusDispatched:
		return fmt.Errorf("cancel %s: %w", id, ErrInFlight)
	}

	q.setStatusLocked(id, StatusCancelled, "")
	return nil
}

// Clear cancels every Queued and Retrying request and returns how many were
// cancelled. In-flight dispatches are untouched; they finish normally and
// stay counted until they do.
func (q *RequestQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := 0
	for id, req := range q.requests {
		if req.Status == StatusQueued || req.Status == StatusRetrying {
			q.setStatusLocked(id, StatusCancelled, "")
			cleared++
		}
	}

	q.logger.Info("cleared %d pending requests", cleared)
	return cleared
}

// Get returns a copy of one request by ID.
func (q *RequestQueue) Get(id string) (Request, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	req, exists := q.requests[id]
	if !exists {
		return Request{}, false
	}
	return req.clone(), true
}

// All returns copies of every tracked request, oldest first.
func (q *RequestQueue) All() []Request {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := make([]Request, 0, len(q.requests))
	for _, req := range q.requests {
		all = append(all, req.clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].SubmittedAt.Equal(all[j].SubmittedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].SubmittedAt.Before(all[j].SubmittedAt)
	})
	return all
}

// Pending returns copies of the non-terminal requests, oldest first.
func (q *RequestQueue) Pending() []Request {
	var pending []Request
	for _, req := range q.All() {
		if !req.Status.IsTerminal() {
			pending = append(pending, req)
		}
	}
	return pending
}

// Len returns the number of non-terminal requests.
func (q *RequestQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	count := 0
	for _, req := range q.requests {
		if !req.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// IsProcessing reports whether any request is currently dispatched.
func (q *RequestQueue) IsProcessing() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, req := range q.requests {
		if req.Status == StatusDispatched {
			return true
		}
	}
	return false
}

// OldestPendingAge returns how long the oldest non-terminal request has been
// waiting, or zero when nothing is pending.
func (q *RequestQueue) OldestPendingAge(now time.Time) time.Duration {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var oldest time.Time
	for _, req := range q.requests {
		if req.Status.IsTerminal() {
			continue
		}
		if oldest.IsZero() || req.SubmittedAt.Before(oldest) {
			oldest = req.SubmittedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	age := now.Sub(oldest)
	if age < 0 {
		return 0
	}
	return age
}

// Budgets returns a read-only view of every provider budget, sorted by name.
func (q *RequestQueue) Budgets() []BudgetView {
	q.mu.RLock()
	defer q.mu.RUnlock()

	views := make([]BudgetView, 0, len(q.budgets))
	for _, b := range q.budgets {
		views = append(views, BudgetView{
			Provider:      b.Provider,
			Limit:         b.Limit,
			InFlight:      b.inFlight,
			CircuitState:  b.breaker.State(),
			CooldownUntil: b.breaker.CooldownUntil(),
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Provider < views[j].Provider
	})
	return views
}

// Breaker returns the circuit breaker for one provider.
func (q *RequestQueue) Breaker(provider string) (*circuit.Breaker, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	budget, exists := q.budgets[provider]
	if !exists {
		return nil, fmt.Errorf("breaker for %s: %w", provider, ErrNoProvider)
	}
	return budget.breaker, nil
}

// Providers returns the provider names with configured budgets, sorted.
func (q *RequestQueue) Providers() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	names := make([]string, 0, len(q.budgets))
	for name := range q.budgets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EvictTerminal removes terminal requests that finished more than retention
// ago and returns how many were evicted. Terminal entries are kept for a
// while so snapshots and audits can still see recent outcomes.
func (q *RequestQueue) EvictTerminal(retention time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	evicted := 0
	for id, req := range q.requests {
		if !req.Status.IsTerminal() || req.FinishedAt == nil {
			continue
		}
		if req.FinishedAt.Before(cutoff) {
			delete(q.requests, id)
			evicted++
		}
	}

	if evicted > 0 {
		q.logger.Debug("evicted %d terminal requests past retention", evicted)
	}
	return evicted
}
