// Package translate is the text-translation collaborator: a bounded
// request/response call per completed turn. Failures are scoped to the turn
// and reported as an explicit marker, never as blocking state.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/parleyvoice/parley/pkg/errorsx"
	"github.com/parleyvoice/parley/pkg/logging"
)

// FailureMarker is what a turn displays in place of a translation when the
// collaborator call fails.
const FailureMarker = "[translation unavailable]"

// Translator converts text between two language tags.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	return c
}

// OpenAITranslator translates through an OpenAI-compatible chat completions
// endpoint.
type OpenAITranslator struct {
	cfg    Config
	client *openai.Client
	logger *slog.Logger
}

func NewOpenAITranslator(cfg Config) (*OpenAITranslator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("translate api key required")
	}
	cfg = cfg.withDefaults()
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAITranslator{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
		logger: logging.NewComponentLogger(slog.Default(), "translate"),
	}, nil
}

func (t *OpenAITranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: t.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(
					"Translate the user's message from %s to %s. Reply with the translation only.",
					sourceLang, targetLang),
			},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0.2,
	}

	start := time.Now()
	resp, err := t.client.CreateChatCompletion(ctx, req)
	if err != nil {
		t.logger.Error("translate_request_failed",
			slog.String("source", sourceLang),
			slog.String("target", targetLang),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return "", errorsx.Wrap(err, errorsx.ReasonTranslateFailed)
	}
	if len(resp.Choices) == 0 {
		return "", errorsx.Wrap(errors.New("empty completion"), errorsx.ReasonTranslateFailed)
	}

	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	t.logger.Debug("translate_done",
		slog.String("source", sourceLang),
		slog.String("target", targetLang),
		slog.Duration("elapsed", time.Since(start)))
	return out, nil
}
