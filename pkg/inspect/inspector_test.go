package inspect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imageforge/pkg/config"
	"imageforge/pkg/health"
	"imageforge/pkg/queue"
	"imageforge/pkg/resilience/circuit"
)

func newTestInspector() (*Inspector, *queue.RequestQueue) {
	q := queue.New([]*queue.Budget{queue.NewBudget("openai", 2, circuit.DefaultConfig)})
	cfg := config.QueueConfig{
		MaxDepth:  10,
		WarnDepth: 7,
		AgeWarn:   config.Duration(30 * time.Second),
	}
	return New(q, cfg), q
}

func enqueue(q *queue.RequestQueue, id string, at time.Time) {
	q.Enqueue(&queue.Request{
		ID:          id,
		Prompt:      "a lighthouse at dusk",
		Providers:   []string{"openai"},
		UserID:      "user-1",
		SubmittedAt: at,
	})
}

func TestSnapshot_Empty(t *testing.T) {
	ins, _ := newTestInspector()

	snap := ins.Snapshot()
	assert.Equal(t, 0, snap.Length)
	assert.False(t, snap.IsProcessing)
	assert.Equal(t, int64(0), snap.OldestRequestAgeMs)
	assert.Empty(t, snap.PendingRequests)
	assert.Len(t, snap.Providers, 1)
	assert.Equal(t, health.StatusHealthy, snap.Health.Status)
}

func TestSnapshot_ReflectsQueueState(t *testing.T) {
	ins, q := newTestInspector()
	base := time.Now().UTC().Add(-2 * time.Second)
	enqueue(q, "r1", base)
	enqueue(q, "r2", base.Add(time.Second))

	_, ok := q.DequeueForProvider("openai")
	require.True(t, ok)

	snap := ins.Snapshot()
	assert.Equal(t, 2, snap.Length)
	assert.True(t, snap.IsProcessing)
	assert.GreaterOrEqual(t, snap.OldestRequestAgeMs, int64(1900))
	require.Len(t, snap.PendingRequests, 2)
	assert.Equal(t, "r1", snap.PendingRequests[0].ID, "oldest first")
	assert.Equal(t, queue.StatusDispatched, snap.PendingRequests[0].Status)
	assert.Equal(t, 1, snap.Providers[0].InFlight)
}

func TestSnapshot_ExcludesTerminal(t *testing.T) {
	ins, q := newTestInspector()
	enqueue(q, "r1", time.Now().UTC())
	require.NoError(t, q.Cancel("r1"))

	snap := ins.Snapshot()
	assert.Equal(t, 0, snap.Length)
	assert.Empty(t, snap.PendingRequests)
}

func TestClearAndRemove(t *testing.T) {
	ins, q := newTestInspector()
	base := time.Now().UTC()
	enqueue(q, "r1", base)
	enqueue(q, "r2", base.Add(time.Second))

	require.NoError(t, ins.Remove("r1"))
	assert.Error(t, ins.Remove("r1"), "removing a cancelled request errors")
	assert.Error(t, ins.Remove("missing"))

	assert.Equal(t, 1, ins.Clear())
	assert.Equal(t, 0, q.Len())
}
