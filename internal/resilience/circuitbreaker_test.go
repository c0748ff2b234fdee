package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail() error { return errTest }
func succeed() error { return nil }

// ─── TestNewCircuitBreaker_Defaults ──────────────────────────────────────────

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Fatalf("want defaults 5/30s/3, got %d/%v/%d", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Fatalf("want closed, got %v", cb.State())
	}
}

// ─── TestCircuitBreaker_Opens ────────────────────────────────────────────────

func TestCircuitBreaker_Opens(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Minute, Now: clk.Now})

	for range 3 {
		if err := cb.Execute(fail); !errors.Is(err, errTest) {
			t.Fatalf("want errTest passed through, got %v", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("want open, got %v", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("want rejected call, got err=%v called=%v", err, called)
	}
}

// ─── TestCircuitBreaker_SuccessResetsCount ───────────────────────────────────

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3})
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("want closed, got %v", cb.State())
	}
}

// ─── TestCircuitBreaker_HalfOpen ─────────────────────────────────────────────

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2, Now: clk.Now})

	_ = cb.Execute(fail)
	clk.Advance(time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("want half-open after timeout, got %v", cb.State())
	}

	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("want still half-open after one probe, got %v", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("want closed after probes, got %v", cb.State())
	}
}

// ─── TestCircuitBreaker_FailedProbeReopens ───────────────────────────────────

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Minute, Now: clk.Now})

	_ = cb.Execute(fail)
	clk.Advance(time.Minute)
	_ = cb.Execute(fail)

	if cb.State() != StateOpen {
		t.Fatalf("want open after failed probe, got %v", cb.State())
	}
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("want ErrCircuitOpen, got %v", err)
	}
}

// ─── TestCircuitBreaker_Reset ────────────────────────────────────────────────

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("want closed after Reset, got %v", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("want call admitted after Reset, got %v", err)
	}
}

// ─── TestState_String ────────────────────────────────────────────────────────

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("want %q, got %q", want, got)
		}
	}
}
