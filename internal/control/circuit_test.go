package control

import (
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	c := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()

	if c.State() != CircuitClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}

	if c.RecordFailure("upstream_timeout", now) {
		t.Fatal("first failure should not open the breaker")
	}
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after first failure, got %s", c.State())
	}

	if !c.RecordFailure("upstream_timeout", now) {
		t.Fatal("expected second failure to open the breaker")
	}
	if c.State() != CircuitOpen {
		t.Fatalf("expected open after threshold failures, got %s", c.State())
	}
	if c.OpenedClass() != "upstream_timeout" {
		t.Fatalf("unexpected opened class %q", c.OpenedClass())
	}

	if c.Allow(now.Add(10 * time.Millisecond)) {
		t.Fatal("expected deny while cooldown not elapsed")
	}
	if !c.Allow(now.Add(120 * time.Millisecond)) {
		t.Fatal("expected allow after cooldown")
	}
	if c.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", c.State())
	}

	if !c.RecordSuccess() {
		t.Fatal("expected RecordSuccess to report recovery")
	}
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after trial success, got %s", c.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := NewCircuitBreaker(1, time.Second)
	now := time.Unix(1000, 0)
	c.RecordFailure("upstream_error", now)
	if !c.Allow(now.Add(2 * time.Second)) {
		t.Fatal("expected half-open trial to be allowed")
	}
	if !c.RecordFailure("upstream_error", now.Add(2*time.Second)) {
		t.Fatal("expected half-open failure to reopen")
	}
	if c.Allow(now.Add(2500 * time.Millisecond)) {
		t.Fatal("expected deny right after reopening")
	}
}

func TestCircuitBreaker_HalfOpenAdmitsOneTrialAtATime(t *testing.T) {
	c := NewCircuitBreaker(1, time.Second)
	now := time.Unix(1000, 0)
	c.RecordFailure("upstream_error", now)

	trial := now.Add(2 * time.Second)
	if !c.Allow(trial) {
		t.Fatal("expected the first trial to be allowed")
	}
	if c.Allow(trial.Add(10 * time.Millisecond)) {
		t.Fatal("expected a second concurrent trial to be denied")
	}
	if c.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", c.State())
	}

	// The trial never reported back; its slot lapses after a cooldown.
	if !c.Allow(trial.Add(time.Second)) {
		t.Fatal("expected a new trial once the abandoned one lapsed")
	}

	c.RecordSuccess()
	for i := 0; i < 3; i++ {
		if !c.Allow(trial.Add(time.Second)) {
			t.Fatal("expected closed breaker to allow everything")
		}
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	c := NewCircuitBreaker(0, 0)
	if c.Threshold != 5 || c.Cooldown != 30*time.Second {
		t.Fatalf("unexpected defaults threshold=%d cooldown=%s", c.Threshold, c.Cooldown)
	}
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	c := NewCircuitBreaker(1000, time.Second)
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.RecordFailure("upstream_error", now)
			} else {
				c.RecordSuccess()
			}
			_ = c.Allow(now)
			_ = c.State()
		}(i)
	}
	wg.Wait()
}
