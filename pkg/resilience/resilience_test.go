package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	rl := RateLimitError{Provider: "openai"}

	cb.OnError(rl)
	if !cb.Allow() {
		t.Fatalf("breaker opened below threshold")
	}
	cb.OnError(rl)
	if cb.Allow() {
		t.Fatalf("breaker stayed closed at threshold")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("breaker did not reset on success")
	}
}

func TestBreakerIgnoresOtherErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	cb.OnError(errors.New("timeout"))
	if !cb.Allow() {
		t.Fatalf("non rate-limit error opened the breaker")
	}
}

func TestFromHTTPStatus(t *testing.T) {
	if err := FromHTTPStatus("openai", 429, "slow down"); !IsRateLimit(err) {
		t.Fatalf("429 did not map to rate limit: %v", err)
	}
	if err := FromHTTPStatus("openai", 500, ""); err != nil {
		t.Fatalf("500 mapped to %v", err)
	}
}

func TestRetrySucceedsAfterFailure(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(2, time.Millisecond)
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetryDoesNotRetryRateLimit(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(3, time.Millisecond)
	err := p.Do(context.Background(), func() error {
		attempts++
		return RateLimitError{Provider: "openai"}
	})
	if !IsRateLimit(err) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("rate limit retried %d times", attempts)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewRetryPolicy(5, 50*time.Millisecond)
	err := p.Do(ctx, func() error { return errors.New("transient") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
