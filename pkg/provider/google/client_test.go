package google

import (
	"context"
	"sync"
	"testing"

	"google.golang.org/genai"

	"imageforge/pkg/config"
)

func TestName(t *testing.T) {
	c := NewClient("test-key", "imagen-3.0-generate-002")
	if got := c.Name(); got != config.ProviderGoogle {
		t.Errorf("Name() = %q, want %q", got, config.ProviderGoogle)
	}
}

// The adapter is shared by every worker in the provider's pool, so the lazy
// client init must be safe under concurrent Generate calls and must hand all
// callers the same client.
func TestEnsureClient_SharedAcrossWorkers(t *testing.T) {
	c := NewClient("test-key", "imagen-3.0-generate-002")

	const workers = 8
	clients := make([]*genai.Client, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = c.ensureClient(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("ensureClient[%d] failed: %v", i, errs[i])
		}
		if clients[i] == nil {
			t.Fatalf("ensureClient[%d] returned nil client", i)
		}
		if clients[i] != clients[0] {
			t.Errorf("ensureClient[%d] returned a different client instance", i)
		}
	}
}
