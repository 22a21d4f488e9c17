package translate

import (
	"context"
	"sync"
)

// StubTranslator records calls and answers from a canned table. Zero value
// echoes the input back bracketed by the target language tag.
type StubTranslator struct {
	mu      sync.Mutex
	Replies map[string]string
	Err     error
	Calls   []StubCall
}

type StubCall struct {
	Text   string
	Source string
	Target string
}

func (s *StubTranslator) Translate(_ context.Context, text, sourceLang, targetLang string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, StubCall{Text: text, Source: sourceLang, Target: targetLang})
	if s.Err != nil {
		return "", s.Err
	}
	if reply, ok := s.Replies[text]; ok {
		return reply, nil
	}
	return "[" + targetLang + "] " + text, nil
}

func (s *StubTranslator) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
