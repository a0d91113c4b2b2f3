package services

import (
	"errors"
	"testing"
	"time"

	"bizflow/internal/config"
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1})
	now := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }

	if cb.State() != StateClosedCB {
		t.Fatalf("new breaker should be closed")
	}
	boom := errors.New("boom")
	if err := cb.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected the call error, got %v", err)
	}
	if cb.State() != StateOpenCB {
		t.Fatalf("breaker should open after reaching max failures")
	}

	called := false
	if err := cb.Do(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatalf("open breaker must not call through")
	}

	// after the reset timeout one probe is let through
	now = now.Add(2 * time.Minute)
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to pass, got %v", err)
	}
	if cb.State() != StateClosedCB {
		t.Fatalf("expected closed after successful probe")
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1})
	now := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }

	_ = cb.Do(func() error { return errors.New("x") })
	now = now.Add(2 * time.Minute)
	_ = cb.Do(func() error { return errors.New("still down") })

	if cb.State() != StateOpenCB {
		t.Fatalf("failed probe should reopen the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerState_String(t *testing.T) {
	tests := []struct {
		name     string
		state    CircuitBreakerState
		expected string
	}{
		{"closed", StateClosedCB, "closed"},
		{"open", StateOpenCB, "open"},
		{"half-open", StateHalfOpenCB, "half-open"},
		{"unknown", CircuitBreakerState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{})

	if cb.cfg.MaxFailures != 5 {
		t.Errorf("expected MaxFailures 5, got %d", cb.cfg.MaxFailures)
	}
	if cb.cfg.ResetTimeout != 60*time.Second {
		t.Errorf("expected ResetTimeout 60s, got %v", cb.cfg.ResetTimeout)
	}
	if cb.cfg.HalfOpenMaxReqs != 3 {
		t.Errorf("expected HalfOpenMaxReqs 3, got %d", cb.cfg.HalfOpenMaxReqs)
	}
}
