package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imageforge/pkg/admission"
	"imageforge/pkg/config"
	"imageforge/pkg/inspect"
	"imageforge/pkg/queue"
	"imageforge/pkg/resilience/circuit"
)

const testOpsPassword = "test-ops-password"

type allowAllCredits struct{ hasCredit bool }

func (c allowAllCredits) CheckCredit(context.Context, string) (bool, error) {
	return c.hasCredit, nil
}

type testHarness struct {
	mux   *http.ServeMux
	queue *queue.RequestQueue
}

func newTestServer(t *testing.T, credits admission.CreditChecker, queueCfg config.QueueConfig) *testHarness {
	t.Helper()
	config.SetSecret(config.SecretOpsPassword, testOpsPassword)

	q := queue.New([]*queue.Budget{
		queue.NewBudget("openai", 2, circuit.DefaultConfig),
		queue.NewBudget("google", 2, circuit.DefaultConfig),
	})
	if credits == nil {
		credits = allowAllCredits{hasCredit: true}
	}
	ctrl := admission.NewController(q, credits, nil, queueCfg, []string{"openai", "google"})
	inspector := inspect.New(q, queueCfg)

	srv := NewServer(ctrl, inspector, q, nil, nil, queueCfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return &testHarness{mux: mux, queue: q}
}

func defaultQueueCfg() config.QueueConfig {
	return config.QueueConfig{
		MaxDepth:        10,
		WarnDepth:       7,
		DedupWindow:     config.Duration(time.Second),
		AgeWarn:         config.Duration(30 * time.Second),
		Retention:       config.Duration(5 * time.Minute),
		MaxPromptTokens: 1000,
	}
}

func (h *testHarness) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.SetBasicAuth("imageforge", testOpsPassword)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func submitBody(prompt string) string {
	return fmt.Sprintf(`{"prompt": %q, "providers": ["openai"], "user_id": "user-1"}`, prompt)
}

func TestSubmit_Accepted(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	rec := h.do(http.MethodPost, "/api/generations", submitBody("a lighthouse at dusk"), false)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var verdict admission.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.True(t, verdict.Accepted)
	assert.NotEmpty(t, verdict.ID)

	req, ok := h.queue.Get(verdict.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusQueued, req.Status)
}

func TestSubmit_InvalidJSON(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	rec := h.do(http.MethodPost, "/api/generations", "{not json", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_RejectionStatusCodes(t *testing.T) {
	t.Run("invalid request", func(t *testing.T) {
		h := newTestServer(t, nil, defaultQueueCfg())
		rec := h.do(http.MethodPost, "/api/generations",
			`{"prompt": "", "providers": ["openai"], "user_id": "user-1"}`, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("queue full", func(t *testing.T) {
		cfg := defaultQueueCfg()
		cfg.MaxDepth = 1
		cfg.WarnDepth = 1
		h := newTestServer(t, nil, cfg)

		rec := h.do(http.MethodPost, "/api/generations", submitBody("first"), false)
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = h.do(http.MethodPost, "/api/generations", submitBody("second"), false)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("duplicate", func(t *testing.T) {
		h := newTestServer(t, nil, defaultQueueCfg())

		rec := h.do(http.MethodPost, "/api/generations", submitBody("same prompt"), false)
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = h.do(http.MethodPost, "/api/generations", submitBody("same prompt"), false)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("insufficient credit", func(t *testing.T) {
		h := newTestServer(t, allowAllCredits{hasCredit: false}, defaultQueueCfg())

		rec := h.do(http.MethodPost, "/api/generations", submitBody("broke"), false)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})
}

func TestGetGeneration(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	rec := h.do(http.MethodPost, "/api/generations", submitBody("a lighthouse"), false)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var verdict admission.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))

	rec = h.do(http.MethodGet, "/api/generations/"+verdict.ID, "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var req queue.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, verdict.ID, req.ID)
	assert.Equal(t, queue.StatusQueued, req.Status)

	rec = h.do(http.MethodGet, "/api/generations/nonexistent", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueSnapshot_RequiresAuth(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	rec := h.do(http.MethodGet, "/api/queue", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	// Wrong password.
	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	req.SetBasicAuth("imageforge", "wrong")
	wrongRec := httptest.NewRecorder()
	h.mux.ServeHTTP(wrongRec, req)
	assert.Equal(t, http.StatusUnauthorized, wrongRec.Code)
}

func TestQueueSnapshot_Shape(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	rec := h.do(http.MethodPost, "/api/generations", submitBody("a lighthouse"), false)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(http.MethodGet, "/api/queue", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot inspect.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, 1, snapshot.Length)
	assert.False(t, snapshot.IsProcessing)
	require.Len(t, snapshot.PendingRequests, 1)
	assert.Len(t, snapshot.Providers, 2)
	assert.Equal(t, "healthy", snapshot.Health.Status)
}

func TestQueueClear(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	for i := 0; i < 3; i++ {
		rec := h.do(http.MethodPost, "/api/generations", submitBody(fmt.Sprintf("prompt %d", i)), false)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := h.do(http.MethodPost, "/api/queue/clear", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 3, result["clearedCount"])
	assert.Equal(t, 0, h.queue.Len())
}

func TestQueueRemoveRequest(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	rec := h.do(http.MethodDelete, "/api/queue/requests/nonexistent", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sub := h.do(http.MethodPost, "/api/generations", submitBody("removable"), false)
	require.Equal(t, http.StatusAccepted, sub.Code)
	var verdict admission.Verdict
	require.NoError(t, json.Unmarshal(sub.Body.Bytes(), &verdict))

	rec = h.do(http.MethodDelete, "/api/queue/requests/"+verdict.ID, "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	req, ok := h.queue.Get(verdict.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusCancelled, req.Status)

	// Terminal requests refuse removal.
	rec = h.do(http.MethodDelete, "/api/queue/requests/"+verdict.ID, "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueRemoveRequest_InFlight(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	sub := h.do(http.MethodPost, "/api/generations", submitBody("in flight"), false)
	require.Equal(t, http.StatusAccepted, sub.Code)
	var verdict admission.Verdict
	require.NoError(t, json.Unmarshal(sub.Body.Bytes(), &verdict))

	_, ok := h.queue.DequeueForProvider("openai")
	require.True(t, ok)

	rec := h.do(http.MethodDelete, "/api/queue/requests/"+verdict.ID, "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogs_RequiresAuthAndValidatesSince(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	rec := h.do(http.MethodGet, "/api/logs", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/api/logs?since=not-a-time", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/logs?component=webui", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Contains(t, result, "logs")
	assert.Contains(t, result, "count")
}

func TestUsage_NotConfigured(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	rec := h.do(http.MethodGet, "/api/usage", "", true)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthz(t *testing.T) {
	cfg := defaultQueueCfg()
	cfg.MaxDepth = 2
	cfg.WarnDepth = 2
	h := newTestServer(t, nil, cfg)

	rec := h.do(http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	// Fill the queue to capacity; the probe turns critical.
	for i := 0; i < 2; i++ {
		sub := h.do(http.MethodPost, "/api/generations", submitBody(fmt.Sprintf("p%d", i)), false)
		require.Equal(t, http.StatusAccepted, sub.Code)
	}

	rec = h.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, nil, defaultQueueCfg())

	rec := h.do(http.MethodGet, "/api/generations", "", false)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = h.do(http.MethodPost, "/api/queue", "", true)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
