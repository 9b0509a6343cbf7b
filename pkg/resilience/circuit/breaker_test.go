package circuit

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         50 * time.Millisecond,
	}
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := New("openai", testConfig())
	if b.State() != Closed {
		t.Errorf("new breaker state = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow dispatches")
	}
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New("openai", testConfig())

	b.Record(false)
	b.Record(false)
	if b.State() != Closed {
		t.Fatalf("state after 2 failures = %v, want closed", b.State())
	}

	b.Record(false)
	if b.State() != Open {
		t.Fatalf("state after 3 failures = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should reject dispatches during cooldown")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("openai", testConfig())

	// Interleaved success resets the streak; two more failures are not enough.
	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)

	if b.State() != Closed {
		t.Errorf("state after non-consecutive failures = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	b := New("openai", testConfig())
	for i := 0; i < 3; i++ {
		b.Record(false)
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker should allow a probe after cooldown")
	}
	if b.State() != HalfOpen {
		t.Errorf("state after probe allowance = %v, want half_open", b.State())
	}
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b := New("openai", testConfig())
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	time.Sleep(60 * time.Millisecond)
	b.Allow() // transition to half-open

	b.Record(true)
	if b.State() != HalfOpen {
		t.Fatalf("state after 1 success = %v, want half_open", b.State())
	}

	b.Record(true)
	if b.State() != Closed {
		t.Errorf("state after 2 successes = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("openai", testConfig())
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	time.Sleep(60 * time.Millisecond)
	b.Allow()

	b.Record(false)
	if b.State() != Open {
		t.Errorf("state after half-open failure = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("reopened breaker should reject dispatches")
	}
}

func TestBreaker_CooldownUntil(t *testing.T) {
	b := New("openai", testConfig())

	if !b.CooldownUntil().IsZero() {
		t.Error("closed breaker should report zero cooldown")
	}

	for i := 0; i < 3; i++ {
		b.Record(false)
	}

	until := b.CooldownUntil()
	if until.IsZero() {
		t.Fatal("open breaker should report a cooldown deadline")
	}
	if remaining := time.Until(until); remaining <= 0 || remaining > 50*time.Millisecond {
		t.Errorf("cooldown deadline %v out of expected range", remaining)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New("openai", testConfig())
	for i := 0; i < 3; i++ {
		b.Record(false)
	}

	b.Reset()

	if b.State() != Closed {
		t.Errorf("state after reset = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("reset breaker should allow dispatches")
	}
}

func TestState_MarshalJSON(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{Closed, `"closed"`},
		{Open, `"open"`},
		{HalfOpen, `"half_open"`},
	}
	for _, tc := range cases {
		got, err := tc.state.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON(%v): %v", tc.state, err)
		}
		if string(got) != tc.want {
			t.Errorf("MarshalJSON(%v) = %s, want %s", tc.state, got, tc.want)
		}
	}
}
