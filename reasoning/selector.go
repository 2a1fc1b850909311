package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brunobiangulo/docqa/llm"
)

// probePrompt is the trivial message used to check a model accepts requests.
const probePrompt = "Hi"

// DefaultModels is the candidate list probed in order.
var DefaultModels = []string{
	"gemini-2.5-flash",
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-flash-latest",
}

// Selector picks the first candidate model that answers a probe and
// remembers it until Reset.
type Selector struct {
	backend    llm.Backend
	candidates []string
	retry      RetryPolicy

	mu    sync.Mutex
	model string
}

func NewSelector(b llm.Backend, candidates []string, retry RetryPolicy) *Selector {
	if len(candidates) == 0 {
		candidates = DefaultModels
	}
	return &Selector{
		backend:    b,
		candidates: append([]string(nil), candidates...),
		retry:      retry,
	}
}

// Select returns the cached model, probing the candidates in order when none
// is cached. It fails with ErrModelUnavailable when every candidate fails.
func (s *Selector) Select(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != "" {
		return s.model, nil
	}

	var errs []error
	for _, m := range s.candidates {
		_, err := s.retry.generate(ctx, s.backend, llm.Request{Model: m, Prompt: probePrompt})
		if err == nil {
			slog.Info("reasoning: model selected", "model", m)
			s.model = m
			return m, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Warn("reasoning: model probe failed", "model", m, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", m, err))
	}
	return "", fmt.Errorf("%w: %w", ErrModelUnavailable, errors.Join(errs...))
}

// Model returns the cached model or "".
func (s *Selector) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Reset forgets the cached model so the next Select probes again.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = ""
}
