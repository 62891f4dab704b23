package resilience

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: threshold,
		SuccessThreshold: 1,
		Cooldown:         cooldown,
	})
	cb.SetClock(clock.now)
	return cb, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("attempt %d rejected: %v", i, err)
		}
		cb.Failure()
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s after 2 failures", cb.State())
	}

	cb.Allow()
	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s after 3 failures", cb.State())
	}
	if err := cb.Allow(); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	stats := cb.Stats()
	if stats.Trips != 1 || stats.TotalRejected != 1 || stats.TotalAllowed != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)

	cb.Allow()
	cb.Failure()
	cb.Allow()
	cb.Success()
	cb.Allow()
	cb.Failure()

	if cb.State() != CircuitClosed {
		t.Errorf("non-consecutive failures opened the circuit")
	}
}

func TestBreakerHalfOpenTrialCall(t *testing.T) {
	cb, clock := newTestBreaker(1, 30*time.Second)

	cb.Allow()
	cb.Failure()
	clock.advance(29 * time.Second)
	if err := cb.Allow(); err != ErrCircuitOpen {
		t.Fatalf("allowed during cooldown")
	}

	clock.advance(time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("trial call rejected after cooldown: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", cb.State())
	}

	// A failed trial call reopens for a full cooldown.
	cb.Failure()
	clock.advance(10 * time.Second)
	if err := cb.Allow(); err != ErrCircuitOpen {
		t.Fatalf("failed trial call did not reopen the circuit")
	}

	clock.advance(30 * time.Second)
	cb.Allow()
	cb.Success()
	if cb.State() != CircuitClosed {
		t.Errorf("successful trial call left state %s", cb.State())
	}
}

func TestBreakerDefaultsAndReset(t *testing.T) {
	cb := NewCircuitBreaker("gateway", CircuitBreakerConfig{})
	if cb.config != DefaultCircuitBreakerConfig() {
		t.Errorf("zero config not defaulted: %+v", cb.config)
	}
	for i := 0; i < 5; i++ {
		cb.Allow()
		cb.Failure()
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s", cb.State())
	}
	cb.Reset()
	if err := cb.Allow(); err != nil {
		t.Errorf("reset breaker rejected call: %v", err)
	}
	if cb.Name() != "gateway" {
		t.Errorf("name = %s", cb.Name())
	}
}

func TestFailureRate(t *testing.T) {
	if r := (CircuitBreakerStats{}).FailureRate(); r != 0 {
		t.Errorf("empty rate = %v", r)
	}
	if r := (CircuitBreakerStats{TotalAllowed: 4, TotalFailures: 1}).FailureRate(); r != 25 {
		t.Errorf("rate = %v, want 25", r)
	}
}

// TestProperty_BreakerNeverOpensBelowThreshold checks that fewer than
// FailureThreshold consecutive failures never open the circuit.
func TestProperty_BreakerNeverOpensBelowThreshold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("closed while failure streak is below threshold", prop.ForAll(
		func(outcomes []bool) bool {
			cb, _ := newTestBreaker(4, time.Minute)
			streak := 0
			for _, ok := range outcomes {
				if err := cb.Allow(); err != nil {
					return streak >= 4
				}
				if ok {
					cb.Success()
					streak = 0
				} else {
					cb.Failure()
					streak++
				}
				if (streak >= 4) != (cb.State() == CircuitOpen) {
					return false
				}
				if streak >= 4 {
					return true
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
