package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func openBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.RecordResult(false)
	}
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb := NewCircuitBreaker("deepgram", 3, time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in closed state")
	}
	if cb.Name() != "deepgram" {
		t.Errorf("Expected name deepgram, got %s", cb.Name())
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("deepgram", 3, time.Second)

	openBreaker(cb, 2)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to reject requests while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("deepgram", 3, time.Second)

	openBreaker(cb, 2)
	cb.RecordResult(true)
	openBreaker(cb, 2)

	if cb.GetState() != StateClosed {
		t.Error("Expected success to reset the consecutive failure count")
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("deepgram", 3, 50*time.Millisecond, WithHalfOpenRequests(1))
	openBreaker(cb, 3)

	time.Sleep(80 * time.Millisecond)

	if !cb.allowRequest() {
		t.Fatal("Expected a probe to be allowed after the reset timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected half-open, got %s", cb.GetState())
	}
	if cb.allowRequest() {
		t.Error("Expected a second probe to be rejected")
	}
}

func TestCircuitBreaker_CloseAfterSuccess(t *testing.T) {
	cb := NewCircuitBreaker("cartesia", 3, 50*time.Millisecond)
	openBreaker(cb, 3)

	time.Sleep(80 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("Probe %d rejected: %v", i, err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after successful probes, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("cartesia", 3, 50*time.Millisecond)
	openBreaker(cb, 3)

	time.Sleep(80 * time.Millisecond)

	_ = cb.Call(func() error { return errors.New("still down") })

	if cb.GetState() != StateOpen {
		t.Errorf("Expected open after a failed probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Second)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	want := errors.New("test error")
	if err := cb.Call(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Expected the call's error, got %v", err)
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb := NewCircuitBreaker("deepgram", 1, time.Second)
	cb.RecordResult(false)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected function not to run while open")
	}
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreaker("cartesia", 1, time.Second)

	err := cb.Call(func() error { return context.Canceled })

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Error("Expected cancellation not to open the circuit")
	}
	if _, requests, _, _ := cb.GetStats(); requests != 0 {
		t.Errorf("Expected cancelled call to be unrecorded, got %d requests", requests)
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var seen []CircuitState
	cb := NewCircuitBreaker("deepgram", 2, 50*time.Millisecond, WithHalfOpenRequests(1),
		WithStateChange(func(name string, s CircuitState) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		}))

	openBreaker(cb, 2)
	time.Sleep(80 * time.Millisecond)
	_ = cb.Call(func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	want := []CircuitState{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()

	if state != StateClosed {
		t.Errorf("Expected state closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}

func TestCircuitState_String(t *testing.T) {
	if StateHalfOpen.String() != "half_open" {
		t.Errorf("Expected half_open, got %s", StateHalfOpen.String())
	}
	if CircuitState(9).String() != "CircuitState(9)" {
		t.Errorf("Unexpected string for unknown state: %s", CircuitState(9).String())
	}
}
