// Package synth is the speech-synthesis collaborator. Synthesis is
// best-effort: requests are fired on their own goroutine with a bounded
// timeout and failures are logged, never surfaced to the session machine.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/parleyvoice/parley/pkg/errorsx"
	"github.com/parleyvoice/parley/pkg/logging"
	"github.com/parleyvoice/parley/pkg/resilience"
)

// Speaker voices a piece of text in a given language.
type Speaker interface {
	Speak(text, language string)
}

type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Retries int
}

type HTTPSpeaker struct {
	cfg    Config
	client *http.Client
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func NewHTTPSpeaker(cfg Config) *HTTPSpeaker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSpeaker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		retry:  resilience.NewRetryPolicy(cfg.Retries, 250*time.Millisecond),
		logger: logging.NewComponentLogger(slog.Default(), "synth"),
	}
}

// Speak fires the synthesis request without waiting for it.
func (s *HTTPSpeaker) Speak(text, language string) {
	text = strings.TrimSpace(text)
	if text == "" || s.cfg.BaseURL == "" {
		return
	}
	go s.request(text, language)
}

func (s *HTTPSpeaker) request(text, language string) {
	if err := s.synthesize(text, language); err != nil {
		s.logger.Warn("synthesis_failed",
			slog.String("language", language),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
}

func (s *HTTPSpeaker) synthesize(text, language string) error {
	attempts := time.Duration(s.retry.MaxRetries + 1)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout*attempts)
	defer cancel()

	err := s.retry.Do(ctx, func() error {
		return s.post(ctx, text, language)
	})
	return errorsx.Wrap(err, errorsx.ReasonSynthesisFailed)
}

func (s *HTTPSpeaker) post(ctx context.Context, text, language string) error {
	body, _ := json.Marshal(map[string]string{
		"text":  text,
		"voice": VoiceFor(language),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v1/speech", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if rl := resilience.FromHTTPStatus("synth", resp.StatusCode, ""); rl != nil {
		return rl
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
