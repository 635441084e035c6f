package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	var now uint64
	cb := NewCircuitBreaker(3, uint64(time.Second), func() uint64 { return now })

	for i := 0; i < 3; i++ {
		if !cb.IsAllowed() {
			t.Fatalf("expected allowed before trip, iteration %d", i)
		}
		cb.RecordFailure()
	}

	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want Open", cb.State())
	}
	if cb.IsAllowed() {
		t.Fatal("expected breaker to deny while open and before timeout")
	}

	now += uint64(time.Second)
	if !cb.IsAllowed() {
		t.Fatal("expected breaker to allow after timeout elapses (half-open)")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %v, want HalfOpen", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %v, want Closed after success threshold met", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	var now uint64
	cb := NewCircuitBreaker(1, uint64(time.Second), func() uint64 { return now })

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want Open", cb.State())
	}

	now += uint64(time.Second)
	cb.IsAllowed()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %v, want HalfOpen", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want Open after half-open failure", cb.State())
	}
}

func TestRetryPolicyCalculateDelayCapsAtMaxDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	if got := p.CalculateDelay(0); got != time.Millisecond {
		t.Errorf("CalculateDelay(0) = %v, want %v", got, time.Millisecond)
	}
	if got := p.CalculateDelay(1); got != 2*time.Millisecond {
		t.Errorf("CalculateDelay(1) = %v, want %v", got, 2*time.Millisecond)
	}
	if got := p.CalculateDelay(20); got != p.MaxDelay {
		t.Errorf("CalculateDelay(20) = %v, want capped at %v", got, p.MaxDelay)
	}
}

func TestManagerGetRetryPolicyFallsBackToDefault(t *testing.T) {
	m := NewManager(nil, nil, nil)
	if got := m.GetRetryPolicy(999); got != DefaultRetryPolicy() {
		t.Errorf("GetRetryPolicy(unset) = %+v, want default", got)
	}

	custom := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Microsecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1.5}
	m.SetRetryPolicy(42, custom)
	if got := m.GetRetryPolicy(42); got != custom {
		t.Errorf("GetRetryPolicy(42) = %+v, want %+v", got, custom)
	}
}

func TestExecuteWithRetrySucceedsEventually(t *testing.T) {
	m := NewManager(nil, nil, nil)
	m.SetRetryPolicy(1, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Microsecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2})

	attempts := 0
	result, err := ExecuteWithRetry(context.Background(), m, 1, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 7 {
		t.Errorf("result = %d, want 7", result)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExecuteWithRetryExhaustsAttempts(t *testing.T) {
	m := NewManager(nil, nil, nil)
	m.SetRetryPolicy(2, RetryPolicy{MaxAttempts: 2, InitialDelay: time.Microsecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2})

	attempts := 0
	wantErr := errors.New("permanent")
	_, err := ExecuteWithRetry(context.Background(), m, 2, func() (int, error) {
		attempts++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestExecuteWithRetryRespectsContextCancellation(t *testing.T) {
	m := NewManager(nil, nil, nil)
	m.SetRetryPolicy(3, RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := ExecuteWithRetry(ctx, m, 3, func() (int, error) {
		attempts++
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (stopped at first retry delay)", attempts)
	}
}

func TestManagerCircuitBreakerLifecycle(t *testing.T) {
	var now uint64
	m := NewManager(func() uint64 { return now }, nil, nil)

	for i := 0; i < 5; i++ {
		if !m.CheckCircuitBreaker(1) {
			t.Fatalf("expected resource 1 allowed, iteration %d", i)
		}
		m.RecordCircuitBreakerFailure(1)
	}

	if m.CheckCircuitBreaker(1) {
		t.Fatal("expected resource 1 breaker open after 5 failures")
	}

	if !m.CheckCircuitBreaker(2) {
		t.Fatal("expected unrelated resource 2 unaffected")
	}
}

func TestDegradationManagerLevelThresholds(t *testing.T) {
	cases := []struct {
		total, available int
		want              DegradationLevel
	}{
		{10, 10, DegradationNormal},
		{10, 9, DegradationNormal},
		{10, 8, DegradationReduced},
		{10, 6, DegradationMinimal},
		{10, 3, DegradationEmergency},
	}

	for _, c := range cases {
		d := NewDegradationManager(nil)
		for i := 0; i < c.total; i++ {
			d.SetResourceAvailable(uint64(i), i < c.available)
		}
		if got := d.Level(); got != c.want {
			t.Errorf("available=%d/%d level = %v, want %v", c.available, c.total, got, c.want)
		}
	}
}

func TestDegradationManagerNoResourcesIsNormal(t *testing.T) {
	d := NewDegradationManager(nil)
	if got := d.Level(); got != DegradationNormal {
		t.Errorf("empty DegradationManager level = %v, want Normal", got)
	}
}
