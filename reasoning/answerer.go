// Package reasoning answers questions strictly from an indexed document and
// ties each answer back to the page images it cites.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/brunobiangulo/docqa/indexer"
	"github.com/brunobiangulo/docqa/llm"
)

// ErrModelUnavailable is returned when no candidate model accepts the
// request within the retry budget.
var ErrModelUnavailable = errors.New("docqa: model unavailable")

// Config holds answerer configuration.
type Config struct {
	SystemTemplate   string         `json:"system_template" yaml:"system_template" mapstructure:"system_template"`
	NoInfoPhrase     string         `json:"no_info_phrase" yaml:"no_info_phrase" mapstructure:"no_info_phrase"`
	CitationReminder string         `json:"citation_reminder" yaml:"citation_reminder" mapstructure:"citation_reminder"`
	Greeting         string         `json:"greeting" yaml:"greeting" mapstructure:"greeting"`
	HistoryLimit     int            `json:"history_limit" yaml:"history_limit" mapstructure:"history_limit"`
	Models           []string       `json:"models" yaml:"models" mapstructure:"models"`
	Generation       llm.Generation `json:"generation" yaml:"generation" mapstructure:"generation"`
	Retry            RetryPolicy    `json:"retry" yaml:"retry" mapstructure:"retry"`
}

// AnswerResult is the outcome of one question.
type AnswerResult struct {
	Text   string   `json:"text"`
	Page   int      `json:"page,omitempty"` // 0 when the reply carries no usable citation
	Images [][]byte `json:"-"`

	Model string `json:"model"`
	// NotFound is set when the model replied with the no-information phrase.
	NotFound bool `json:"not_found"`
	// CitationOutOfRange is set when the reply cites a page the document
	// does not have.
	CitationOutOfRange bool `json:"citation_out_of_range,omitempty"`
	// Degraded is set when the cited page's images came from a fallback
	// after an extraction failure.
	Degraded bool `json:"degraded,omitempty"`

	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Answerer runs the grounded question-answering exchange.
type Answerer struct {
	backend  llm.Backend
	selector *Selector
	cfg      Config
	tmpl     *template.Template
}

// New creates an Answerer. The system template is parsed once here. An
// empty no-info phrase or citation reminder gets the default; HistoryLimit 0
// sends every turn.
func New(b llm.Backend, cfg Config) (*Answerer, error) {
	if cfg.NoInfoPhrase == "" {
		cfg.NoInfoPhrase = DefaultNoInfoPhrase
	}
	if cfg.CitationReminder == "" {
		cfg.CitationReminder = DefaultCitationReminder
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = DefaultRetryPolicy().Attempts
	}
	tmpl, err := parseTemplate(cfg.SystemTemplate)
	if err != nil {
		return nil, err
	}
	return &Answerer{
		backend:  b,
		selector: NewSelector(b, cfg.Models, cfg.Retry),
		cfg:      cfg,
		tmpl:     tmpl,
	}, nil
}

// Selector returns the answerer's model selector.
func (a *Answerer) Selector() *Selector { return a.selector }

// Answer asks question against idx with the turns in conv as history. On
// success the question and the reply text are appended to conv.
func (a *Answerer) Answer(ctx context.Context, question string, idx *indexer.DocumentIndex, conv *Conversation) (*AnswerResult, error) {
	start := time.Now()

	system, err := render(a.tmpl, idx.Text(), a.cfg.NoInfoPhrase)
	if err != nil {
		return nil, err
	}

	history := conv.Recent(a.cfg.HistoryLimit, a.cfg.Greeting)

	model, err := a.selector.Select(ctx)
	if err != nil {
		return nil, err
	}

	req := llm.Request{
		Model:      model,
		System:     system,
		History:    toMessages(history),
		Prompt:     withReminder(question, a.cfg.CitationReminder),
		Generation: a.cfg.Generation,
	}
	resp, err := a.cfg.Retry.generate(ctx, a.backend, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The next question starts over with a fresh probe.
		a.selector.Reset()
		slog.Warn("reasoning: generation failed", "model", model, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrModelUnavailable, model, err)
	}

	result := &AnswerResult{
		Text:             resp.Content,
		Model:            model,
		NotFound:         strings.Contains(resp.Content, a.cfg.NoInfoPhrase),
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}

	if page, ok := ParseCitation(resp.Content); ok {
		if idx.HasPage(page) {
			result.Page = page
			result.Images = idx.Images(page)
			result.Degraded = idx.PageDegraded(page)
		} else {
			result.CitationOutOfRange = true
			slog.Warn("reasoning: citation out of range",
				"page", page,
				"pages", idx.PageCount(),
				"model", model)
		}
	}

	conv.Append(llm.RoleUser, question)
	conv.Append(llm.RoleAssistant, resp.Content)

	result.Elapsed = time.Since(start)
	slog.Info("reasoning: answered",
		"model", model,
		"page", result.Page,
		"images", len(result.Images),
		"not_found", result.NotFound,
		"history", len(history),
		"elapsed", result.Elapsed.Round(time.Millisecond))
	return result, nil
}
