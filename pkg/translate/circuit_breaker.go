package translate

import (
	"context"
	"errors"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/parleyvoice/parley/pkg/metrics"
	"github.com/parleyvoice/parley/pkg/resilience"
)

// CircuitBreakerTranslator wraps a Translator with rate-limit circuit
// breaking. While the breaker is open every call fails fast, which the
// session machine turns into the failure marker instead of stalling the
// turn.
type CircuitBreakerTranslator struct {
	inner   Translator
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerTranslator(inner Translator, breaker *resilience.CircuitBreaker) *CircuitBreakerTranslator {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerTranslator{
		inner:   inner,
		breaker: breaker,
		obs:     metrics.NoopObserver{},
	}
}

// SetObserver allows metrics emission for breaker events.
func (t *CircuitBreakerTranslator) SetObserver(obs metrics.Observer) {
	t.obs = metrics.OrNoop(obs)
}

func (t *CircuitBreakerTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if !t.breaker.Allow() {
		t.obs.Record(metrics.New(metrics.EventBreakerDenied))
		return "", resilience.RateLimitError{Provider: "translate", Message: "degraded"}
	}
	out, err := t.inner.Translate(ctx, text, sourceLang, targetLang)
	if err != nil {
		err = classifyRateLimit(err)
		if resilience.IsRateLimit(err) {
			t.obs.Record(metrics.New(metrics.EventRateLimit))
		}
		t.breaker.OnError(err)
		return "", err
	}
	t.breaker.OnSuccess()
	return out, nil
}

// classifyRateLimit surfaces provider 429s as RateLimitError so the breaker
// counts them.
func classifyRateLimit(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if mapped := resilience.FromHTTPStatus("openai", apiErr.HTTPStatusCode, apiErr.Message); mapped != nil {
			return mapped
		}
	}
	return err
}
