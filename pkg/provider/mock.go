package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter provides a controllable implementation of Adapter for testing.
type MockAdapter struct {
	mu            sync.Mutex
	name          string
	responses     []ImageRef
	responseIndex int
	errors        []error
	errorIndex    int
	delay         time.Duration
	calls         int
}

// NewMockAdapter creates a new mock adapter with predefined responses.
// Errors are consumed before responses: each non-nil entry in errors is
// returned once, then responses are served in order.
func NewMockAdapter(name string, responses []ImageRef, errors []error) *MockAdapter {
	return &MockAdapter{
		name:      name,
		responses: responses,
		errors:    errors,
	}
}

// SetDelay makes every Generate call block for d before returning.
func (m *MockAdapter) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns how many times Generate has been invoked.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Name returns the provider name this mock stands in for.
func (m *MockAdapter) Name() string {
	return m.name
}

// Generate returns the next predefined response or error.
func (m *MockAdapter) Generate(ctx context.Context, _ GenerationRequest) (ImageRef, error) {
	m.mu.Lock()
	m.calls++
	delay := m.delay

	if m.errorIndex < len(m.errors) && m.errors[m.errorIndex] != nil {
		err := m.errors[m.errorIndex]
		m.errorIndex++
		m.mu.Unlock()
		m.wait(ctx, delay)
		return ImageRef{}, err
	}

	if m.responseIndex >= len(m.responses) {
		m.mu.Unlock()
		return ImageRef{}, fmt.Errorf("mock adapter: no more responses")
	}

	resp := m.responseIndex
	m.responseIndex++
	ref := m.responses[resp]
	m.mu.Unlock()

	if err := m.wait(ctx, delay); err != nil {
		return ImageRef{}, err
	}
	return ref, nil
}

func (m *MockAdapter) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
