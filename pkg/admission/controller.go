// Package admission gates submissions into the request queue: capacity,
// duplicate suppression, prompt validation, and the upstream credit check.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"imageforge/pkg/config"
	"imageforge/pkg/logx"
	"imageforge/pkg/queue"
	"imageforge/pkg/utils"
)

// Rejection reasons returned in admission verdicts.
const (
	ReasonQueueFull          = "QueueFull"
	ReasonDuplicateRequest   = "DuplicateRequest"
	ReasonInsufficientCredit = "InsufficientCredit"
	ReasonInvalidRequest     = "InvalidRequest"
)

// CreditChecker is the billing/credit ledger gate consulted before enqueue.
type CreditChecker interface {
	CheckCredit(ctx context.Context, userID string) (bool, error)
}

// Recorder receives admission outcomes for metrics. May be nil.
type Recorder interface {
	ObserveAdmission(outcome string)
	SetQueueDepth(depth int)
}

// Submission is the payload a user submits for generation.
type Submission struct {
	Prompt    string            `json:"prompt"`
	Providers []string          `json:"providers"`
	Guidance  map[string]string `json:"guidance,omitempty"`
	UserID    string            `json:"user_id"`
}

// Verdict is the synchronous admission result. The ID is assigned before any
// provider work starts; dispatch is asynchronous.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// dedupEntry tracks a recently accepted submission fingerprint. An empty
// requestID marks a reservation for a submission still mid-admission.
type dedupEntry struct {
	requestID  string
	acceptedAt time.Time
}

// Controller decides whether submissions may enter the queue.
type Controller struct {
	queue     *queue.RequestQueue
	credits   CreditChecker
	recorder  Recorder
	cfg       config.QueueConfig
	providers map[string]bool

	mu    sync.Mutex
	dedup map[string]dedupEntry

	logger *logx.Logger
}

// NewController creates an admission controller in front of the given queue.
// knownProviders lists the provider names requests may target.
func NewController(q *queue.RequestQueue, credits CreditChecker, recorder Recorder, cfg config.QueueConfig, knownProviders []string) *Controller {
	known := make(map[string]bool, len(knownProviders))
	for _, p := range knownProviders {
		known[p] = true
	}
	return &Controller{
		queue:     q,
		credits:   credits,
		recorder:  recorder,
		cfg:       cfg,
		providers: known,
		dedup:     make(map[string]dedupEntry),
		logger:    logx.NewLogger("admission"),
	}
}

// Accept validates a submission and, if admitted, enqueues it and returns
// its assigned ID. Rejections are synchronous; accepted work proceeds
// asynchronously. The credit check runs without holding any internal lock.
func (c *Controller) Accept(ctx context.Context, sub Submission) (Verdict, error) {
	if reason, detail := c.validate(sub); reason != "" {
		return c.reject(reason, detail), nil
	}

	if c.queue.Len() >= c.cfg.MaxDepth {
		return c.reject(ReasonQueueFull, "queue is at capacity"), nil
	}

	// The fingerprint is reserved before the credit call so an identical
	// submission arriving during the check is suppressed, not admitted twice.
	fingerprint := Fingerprint(sub.UserID, sub.Prompt, sub.Providers)
	if dupID, isDup := c.reserveFingerprint(fingerprint); isDup {
		detail := "identical submission in progress"
		if dupID != "" {
			detail = "duplicate of request " + dupID
		}
		return c.reject(ReasonDuplicateRequest, detail), nil
	}

	// External call, so no internal lock may be held here.
	hasCredit, err := c.credits.CheckCredit(ctx, sub.UserID)
	if err != nil {
		c.releaseFingerprint(fingerprint)
		return Verdict{}, logx.Wrap(err, "credit check failed for user "+sub.UserID)
	}
	if !hasCredit {
		c.releaseFingerprint(fingerprint)
		return c.reject(ReasonInsufficientCredit, "user has no remaining credit"), nil
	}

	req := &queue.Request{
		ID:          uuid.New().String(),
		Prompt:      sub.Prompt,
		Providers:   append([]string(nil), sub.Providers...),
		Guidance:    sub.Guidance,
		UserID:      sub.UserID,
		SubmittedAt: time.Now().UTC(),
	}
	// Depth is re-checked atomically with insertion; the early check above
	// is only a fast path and cannot hold across the credit call.
	if err := c.queue.TryEnqueue(req, c.cfg.MaxDepth); err != nil {
		c.releaseFingerprint(fingerprint)
		return c.reject(ReasonQueueFull, "queue is at capacity"), nil
	}
	c.confirmFingerprint(fingerprint, req.ID)

	if c.recorder != nil {
		c.recorder.ObserveAdmission("accepted")
		c.recorder.SetQueueDepth(c.queue.Len())
	}
	c.logger.Info("accepted request %s from user %s for providers %v", req.ID, sub.UserID, sub.Providers)

	return Verdict{Accepted: true, ID: req.ID}, nil
}

func (c *Controller) reject(reason, detail string) Verdict {
	if c.recorder != nil {
		c.recorder.ObserveAdmission(reason)
	}
	c.logger.Warn("rejected submission: %s (%s)", reason, detail)
	return Verdict{Accepted: false, Reason: reason, Detail: detail}
}

// validate checks the submission shape. Returns an empty reason when valid.
func (c *Controller) validate(sub Submission) (reason, detail string) {
	if strings.TrimSpace(sub.Prompt) == "" {
		return ReasonInvalidRequest, "prompt is empty"
	}
	if sub.UserID == "" {
		return ReasonInvalidRequest, "user id is empty"
	}
	if len(sub.Providers) == 0 {
		return ReasonInvalidRequest, "no providers specified"
	}
	for _, p := range sub.Providers {
		if !c.providers[p] {
			return ReasonInvalidRequest, "unknown provider: " + p
		}
	}
	if c.cfg.MaxPromptTokens > 0 && utils.CountPromptTokens(sub.Prompt) > c.cfg.MaxPromptTokens {
		return ReasonInvalidRequest, "prompt exceeds token limit"
	}
	return "", ""
}

// reserveFingerprint claims a fingerprint for the current submission. It
// reports a duplicate when an identical submission was accepted within the
// dedup window and is still non-terminal, or is mid-admission (reserved with
// no request ID yet). Expired entries are pruned.
func (c *Controller) reserveFingerprint(fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	window := c.cfg.DedupWindow.D()
	for fp, entry := range c.dedup {
		if now.Sub(entry.acceptedAt) > window {
			delete(c.dedup, fp)
		}
	}

	if entry, exists := c.dedup[fingerprint]; exists {
		if entry.requestID == "" {
			return "", true
		}
		if prior, tracked := c.queue.Get(entry.requestID); tracked && !prior.Status.IsTerminal() {
			return entry.requestID, true
		}
	}

	c.dedup[fingerprint] = dedupEntry{acceptedAt: now}
	return "", false
}

// releaseFingerprint drops a reservation after the submission was rejected.
func (c *Controller) releaseFingerprint(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dedup, fingerprint)
}

// confirmFingerprint binds a reservation to its enqueued request.
func (c *Controller) confirmFingerprint(fingerprint, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dedup[fingerprint] = dedupEntry{requestID: requestID, acceptedAt: time.Now().UTC()}
}

// Fingerprint derives the dedup key for a (userID, prompt, providers) tuple.
// Provider order does not matter.
func Fingerprint(userID, prompt string, providers []string) string {
	sorted := append([]string(nil), providers...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	for _, p := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
