package dispatch

import (
	"errors"
	"time"

	"imageforge/pkg/logx"
	"imageforge/pkg/provider"
	"imageforge/pkg/queue"
	"imageforge/pkg/resilience/retry"
)

// RetryCoordinator classifies dispatch failures and either schedules a
// retry with backoff or marks the request terminally failed.
type RetryCoordinator struct {
	queue    *queue.RequestQueue
	policy   *retry.Policy
	recorder Recorder
	hooks    Hooks
	logger   *logx.Logger
}

// NewRetryCoordinator creates a retry coordinator over the given queue.
func NewRetryCoordinator(q *queue.RequestQueue, policy *retry.Policy, recorder Recorder, hooks Hooks) *RetryCoordinator {
	return &RetryCoordinator{
		queue:    q,
		policy:   policy,
		recorder: recorder,
		hooks:    hooks,
		logger:   logx.NewLogger("retry"),
	}
}

// HandleFailure decides the fate of a failed dispatch. The request's attempt
// count has already been incremented for the attempt that just failed.
func (rc *RetryCoordinator) HandleFailure(req queue.Request, providerName string, err error) {
	switch {
	case !rc.retryable(err):
		rc.fail(req.ID, err.Error())
		rc.logger.Info("request %s failed fatally on %s after %d attempts: %v", req.ID, providerName, req.Attempts, err)

	case rc.policy.Exhausted(req.Attempts):
		rc.fail(req.ID, "RetryExhausted: "+err.Error())
		rc.logger.Info("request %s exhausted %d attempts on %s: %v", req.ID, req.Attempts, providerName, err)

	default:
		delay := rc.policy.CalculateDelay(req.Attempts)
		nextAt := time.Now().UTC().Add(delay)
		if scheduleErr := rc.queue.ScheduleRetry(req.ID, nextAt, err.Error()); scheduleErr != nil {
			rc.logger.Error("failed to schedule retry for %s: %v", req.ID, scheduleErr)
			return
		}
		if rc.recorder != nil {
			rc.recorder.IncRetry(providerName)
		}
		rc.logger.Info("request %s retrying in %s (attempt %d of %d): %v", req.ID, delay.Round(time.Millisecond), req.Attempts, rc.policy.Config.MaxAttempts, err)
	}
}

// retryable prefers the provider's own failure classification and falls back
// to the generic policy classifier for raw transport errors.
func (rc *RetryCoordinator) retryable(err error) bool {
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return provErr.IsRetryable()
	}
	return rc.policy.ShouldRetry(err)
}

func (rc *RetryCoordinator) fail(id, errMsg string) {
	if err := rc.queue.Fail(id, errMsg); err != nil {
		rc.logger.Error("failed to mark request %s failed: %v", id, err)
		return
	}
	if rc.hooks.OnFailed != nil {
		if final, exists := rc.queue.Get(id); exists {
			rc.hooks.OnFailed(final)
		}
	}
}
