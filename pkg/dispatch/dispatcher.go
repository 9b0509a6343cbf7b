// Package dispatch runs the provider worker pools that pull admitted
// requests off the queue and hand them to provider adapters.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"imageforge/pkg/config"
	"imageforge/pkg/logx"
	"imageforge/pkg/provider"
	"imageforge/pkg/queue"
	"imageforge/pkg/resilience/circuit"
	"imageforge/pkg/resilience/retry"
)

// pollInterval bounds how long a worker sleeps before re-checking for ready
// work. Retry backoffs become eligible on this granularity.
const pollInterval = 100 * time.Millisecond

// janitorInterval is how often terminal requests past retention are evicted.
const janitorInterval = 30 * time.Second

// Recorder receives dispatch metrics. May be nil.
type Recorder interface {
	ObserveDispatch(provider string, success bool, errorType string, duration time.Duration)
	IncRetry(provider string)
	IncCircuitOpen(provider string)
	SetQueueDepth(depth int)
	SetInFlight(provider string, count int)
}

// Hooks are callbacks the surrounding system (image storage, notification)
// subscribes to for terminal outcomes. Either may be nil.
type Hooks struct {
	OnCompleted func(req queue.Request, ref provider.ImageRef)
	OnFailed    func(req queue.Request)
}

// Dispatcher owns one worker pool per provider, each bounded by that
// provider's concurrency budget.
type Dispatcher struct {
	queue     *queue.RequestQueue
	adapters  map[string]provider.Adapter
	retry     *RetryCoordinator
	recorder  Recorder
	hooks     Hooks
	providers []config.ProviderConfig
	retention time.Duration

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup

	logger *logx.Logger
}

// New creates a dispatcher for the given adapters. Every adapter must have a
// matching provider config entry.
func New(q *queue.RequestQueue, adapters []provider.Adapter, policy *retry.Policy, recorder Recorder, hooks Hooks, cfg *config.Config) (*Dispatcher, error) {
	byName := make(map[string]provider.Adapter, len(adapters))
	for _, a := range adapters {
		if _, exists := cfg.Provider(a.Name()); !exists {
			return nil, fmt.Errorf("no provider config for adapter %s", a.Name())
		}
		byName[a.Name()] = a
	}

	d := &Dispatcher{
		queue:     q,
		adapters:  byName,
		recorder:  recorder,
		hooks:     hooks,
		providers: cfg.Providers,
		retention: cfg.Queue.Retention.D(),
		shutdown:  make(chan struct{}),
		logger:    logx.NewLogger("dispatch"),
	}
	d.retry = NewRetryCoordinator(q, policy, recorder, hooks)
	return d, nil
}

// RetryCoordinator exposes the coordinator, mainly for tests.
func (d *Dispatcher) RetryCoordinator() *RetryCoordinator {
	return d.retry
}

// Start launches the provider worker pools and the retention janitor.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info("starting dispatcher")

	for i := range d.providers {
		pcfg := &d.providers[i]
		if _, exists := d.adapters[pcfg.Name]; !exists {
			d.logger.Warn("provider %s configured but no adapter registered, skipping", pcfg.Name)
			continue
		}
		for w := 0; w < pcfg.MaxConcurrency; w++ {
			d.wg.Add(1)
			go d.providerWorker(ctx, pcfg.Name, pcfg.RequestTimeout.D())
		}
		d.logger.Info("started %d workers for provider %s", pcfg.MaxConcurrency, pcfg.Name)
	}

	d.wg.Add(1)
	go d.janitor(ctx)

	return nil
}

// Stop signals workers to stop claiming new work and waits for in-flight
// dispatches to finish. In-flight provider calls are never interrupted; they
// complete or hit their own timeout.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("stopping dispatcher, draining in-flight work")
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out with work still in flight")
		return ctx.Err()
	}
}

// Running reports whether the dispatcher is accepting work.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// providerWorker is one budget slot for one provider. It claims ready
// requests targeting its provider and dispatches them synchronously.
func (d *Dispatcher) providerWorker(ctx context.Context, providerName string, timeout time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		req, ok := d.queue.DequeueForProvider(providerName)
		if ok {
			d.dispatchOne(ctx, providerName, timeout, req)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-d.queue.Ready():
		case <-ticker.C:
		}
	}
}

// dispatchOne runs a single provider call and routes the outcome. A panic in
// an adapter must not kill the worker or corrupt the budget counters; the
// request is marked failed defensively and the slot is released.
func (d *Dispatcher) dispatchOne(ctx context.Context, providerName string, timeout time.Duration, req queue.Request) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic dispatching request %s to %s: %v", req.ID, providerName, r)
			d.queue.ReleaseDispatch(providerName)
			if err := d.queue.Fail(req.ID, fmt.Sprintf("InternalFault: %v", r)); err != nil {
				d.logger.Error("failed to mark request %s failed: %v", req.ID, err)
			}
			d.notifyFailed(req.ID)
		}
	}()

	adapter := d.adapters[providerName]
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.logger.Debug("dispatching request %s to %s (attempt %d)", req.ID, providerName, req.Attempts)
	start := time.Now()
	ref, err := adapter.Generate(callCtx, provider.GenerationRequest{
		Prompt:    req.Prompt,
		Guidance:  req.Guidance,
		UserID:    req.UserID,
		RequestID: req.ID,
	})
	duration := time.Since(start)

	if err == nil {
		d.queue.Complete(req.ID, providerName)
		if d.recorder != nil {
			d.recorder.ObserveDispatch(providerName, true, "", duration)
		}
		d.logger.Info("request %s completed by %s in %s (attempt %d)", req.ID, providerName, duration.Round(time.Millisecond), req.Attempts)
		if d.hooks.OnCompleted != nil {
			if final, exists := d.queue.Get(req.ID); exists {
				d.hooks.OnCompleted(final, ref)
			}
		}
		return
	}

	if errors.Is(err, context.Canceled) {
		// Shutdown abandonment, not a provider failure: release the slot
		// without counting it against the breaker.
		d.queue.ReleaseSlot(providerName)
	} else {
		stateBefore := d.breakerState(providerName)
		d.queue.ReleaseDispatch(providerName)
		if stateBefore != circuit.Open && d.breakerState(providerName) == circuit.Open {
			d.logger.Warn("circuit opened for provider %s", providerName)
			if d.recorder != nil {
				d.recorder.IncCircuitOpen(providerName)
			}
		}
	}
	if d.recorder != nil {
		d.recorder.ObserveDispatch(providerName, false, provider.TypeOf(err).String(), duration)
	}

	d.retry.HandleFailure(req, providerName, err)
}

func (d *Dispatcher) breakerState(providerName string) circuit.State {
	breaker, err := d.queue.Breaker(providerName)
	if err != nil {
		return circuit.Closed
	}
	return breaker.State()
}

func (d *Dispatcher) notifyFailed(id string) {
	if d.hooks.OnFailed == nil {
		return
	}
	if final, exists := d.queue.Get(id); exists {
		d.hooks.OnFailed(final)
	}
}

// janitor periodically evicts terminal requests past retention and refreshes
// the depth gauges.
func (d *Dispatcher) janitor(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.queue.EvictTerminal(d.retention)
			if d.recorder != nil {
				d.recorder.SetQueueDepth(d.queue.Len())
				for _, b := range d.queue.Budgets() {
					d.recorder.SetInFlight(b.Provider, b.InFlight)
				}
			}
		}
	}
}
