// Package docqa answers questions about a single PDF document. The answers
// are grounded in the document text, and each one carries the rendered
// images of the page it cites.
package docqa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/brunobiangulo/docqa/indexer"
	"github.com/brunobiangulo/docqa/llm"
	"github.com/brunobiangulo/docqa/reasoning"
	"github.com/brunobiangulo/docqa/store"
)

// User-facing replies for chat surfaces that can only carry text.
const (
	ReplyNoDocument  = "No document is loaded yet, so I cannot answer questions right now."
	ReplyUnavailable = "Sorry, the assistant is unavailable right now. Please try again in a minute."
	ReplyFailed      = "Sorry, something went wrong while answering. Please try again."
)

// Engine is the main interface for document question answering.
type Engine interface {
	// LoadDocument indexes the PDF at path and makes it the current
	// document. On failure the current document becomes empty.
	LoadDocument(ctx context.Context, path string) (*indexer.DocumentIndex, error)

	// LoadBytes indexes an in-memory PDF, such as an upload, and makes it
	// the current document. On failure the current document becomes empty.
	LoadBytes(ctx context.Context, name string, data []byte) (*indexer.DocumentIndex, error)

	// Document returns the current document index. It is never nil.
	Document() *indexer.DocumentIndex

	// Watch reloads the configured document whenever the file changes,
	// until ctx is cancelled.
	Watch(ctx context.Context) error

	// NewSession starts a conversation and returns its ID.
	NewSession() string

	// Answer asks a question within a session.
	Answer(ctx context.Context, sessionID, question string) (*reasoning.AnswerResult, error)

	// Reply answers an inbound chat message from userID with plain text.
	// Sessions are created on demand and errors become user-facing text.
	Reply(ctx context.Context, userID, text string) string

	// History returns the turns of a session, oldest first.
	History(ctx context.Context, sessionID string) ([]reasoning.Turn, error)

	// ResetSession discards a session's history.
	ResetSession(ctx context.Context, sessionID string) error

	// Model returns the backend model currently in use, empty before the
	// first question.
	Model() string

	// Store returns the underlying store, nil when persistence is off.
	Store() *store.Store

	// Close releases all resources.
	Close() error
}

// Option customizes engine construction.
type Option func(*options)

type options struct {
	backend  llm.Backend
	renderer indexer.Renderer
	source   indexer.Source
}

// WithBackend uses b instead of the backend named in the configuration.
func WithBackend(b llm.Backend) Option { return func(o *options) { o.backend = b } }

// WithRenderer uses r instead of pdftoppm to rasterise pages.
func WithRenderer(r indexer.Renderer) Option { return func(o *options) { o.renderer = r } }

// WithSource uses s to open documents.
func WithSource(s indexer.Source) Option { return func(o *options) { o.source = s } }

type engine struct {
	cfg      Config
	store    *store.Store
	indexer  *indexer.Indexer
	answerer *reasoning.Answerer
	sessions *sessions

	mu   sync.RWMutex
	doc  *indexer.DocumentIndex
	path string
}

// New creates a new Engine. When cfg.DocumentPath is set the document is
// loaded immediately; a load failure is logged and leaves the engine
// running with an empty document.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var st *store.Store
	if cfg.DBPath != "" {
		var err error
		st, err = store.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = llm.NewBackend(context.Background(), llm.Config{
			Provider: cfg.Backend.Provider,
			BaseURL:  cfg.Backend.BaseURL,
			APIKey:   cfg.Backend.APIKey,
			Timeout:  cfg.Backend.Timeout,
		})
		if err != nil {
			if st != nil {
				st.Close()
			}
			return nil, fmt.Errorf("creating backend: %w", err)
		}
	}

	answerer, err := reasoning.New(backend, reasoning.Config{
		SystemTemplate:   cfg.Answer.SystemTemplate,
		NoInfoPhrase:     cfg.Answer.NoInfoPhrase,
		CitationReminder: cfg.Answer.CitationReminder,
		Greeting:         cfg.Answer.Greeting,
		HistoryLimit:     cfg.Answer.HistoryLimit,
		Models:           cfg.Backend.Models,
		Generation:       cfg.Generation,
		Retry: reasoning.RetryPolicy{
			Attempts:  cfg.Answer.RetryAttempts,
			BaseDelay: cfg.Answer.RetryBaseDelay,
		},
	})
	if err != nil {
		if st != nil {
			st.Close()
		}
		return nil, fmt.Errorf("creating answerer: %w", err)
	}

	var ixOpts []indexer.Option
	if o.source != nil {
		ixOpts = append(ixOpts, indexer.WithSource(o.source))
	}
	if st != nil {
		ixOpts = append(ixOpts, indexer.WithSnapshotter(st))
	}

	e := &engine{
		cfg:      cfg,
		store:    st,
		indexer:  indexer.New(cfg.Render, o.renderer, ixOpts...),
		answerer: answerer,
		sessions: newSessions(cfg.Answer.HistoryCap, cfg.Answer.Greeting, st),
		doc:      indexer.Empty(),
	}

	if cfg.DocumentPath != "" {
		// Startup continues without a document; the error is already logged.
		_, _ = e.LoadDocument(context.Background(), cfg.DocumentPath)
	}
	return e, nil
}

func (e *engine) LoadDocument(ctx context.Context, path string) (*indexer.DocumentIndex, error) {
	start := time.Now()
	idx, err := e.indexer.IndexFile(ctx, path)
	return e.swap(idx, path, start, err)
}

func (e *engine) LoadBytes(ctx context.Context, name string, data []byte) (*indexer.DocumentIndex, error) {
	start := time.Now()
	idx, err := e.indexer.IndexBytes(ctx, name, data)
	return e.swap(idx, "", start, err)
}

// swap installs idx as the current document, or an empty one on error.
func (e *engine) swap(idx *indexer.DocumentIndex, path string, start time.Time, err error) (*indexer.DocumentIndex, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		slog.Warn("docqa: document load failed, continuing without a document", "path", path, "error", err)
		e.doc = indexer.Empty()
		e.path = path
		e.indexer.Cache().Purge()
		return nil, err
	}
	e.doc = idx
	e.path = path
	// Only the current document stays cached.
	e.indexer.Cache().Retain(idx.Key)
	slog.Info("docqa: document loaded",
		"name", idx.Name,
		"pages", idx.PageCount(),
		"degraded_pages", len(idx.Degraded()),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return idx, nil
}

func (e *engine) Document() *indexer.DocumentIndex {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc
}

func (e *engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	path := e.path
	e.mu.RUnlock()
	if path == "" {
		return nil
	}
	return indexer.Watch(ctx, path, func() {
		slog.Info("docqa: document changed, reloading", "path", path)
		_, _ = e.LoadDocument(ctx, path)
	})
}

func (e *engine) NewSession() string {
	return e.sessions.create().id
}

func (e *engine) Answer(ctx context.Context, sessionID, question string) (*reasoning.AnswerResult, error) {
	s, ok := e.sessions.get(ctx, sessionID, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return e.answer(ctx, s, question)
}

func (e *engine) answer(ctx context.Context, s *session, question string) (*reasoning.AnswerResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	doc := e.Document()
	if doc.IsEmpty() {
		return nil, ErrNoDocument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := e.answerer.Answer(ctx, question, doc, s.conv)
	if err != nil {
		return nil, err
	}

	turns := s.conv.Turns()
	if len(turns) > 2 {
		turns = turns[len(turns)-2:]
	}
	e.sessions.persist(ctx, s, turns...)

	if e.store != nil {
		err := e.store.LogQuery(ctx, store.QueryLog{
			SessionID:          s.id,
			Query:              question,
			Answer:             res.Text,
			Page:               res.Page,
			ModelUsed:          res.Model,
			NotFound:           res.NotFound,
			CitationOutOfRange: res.CitationOutOfRange,
			PromptTokens:       res.PromptTokens,
			CompletionTokens:   res.CompletionTokens,
			ElapsedMs:          res.Elapsed.Milliseconds(),
		})
		if err != nil {
			slog.Warn("docqa: query log failed", "error", err)
		}
	}
	return res, nil
}

func (e *engine) Reply(ctx context.Context, userID, text string) string {
	if e.isGreeting(text) {
		return e.cfg.Answer.Greeting
	}
	s, _ := e.sessions.get(ctx, userID, true)
	res, err := e.answer(ctx, s, text)
	if err != nil {
		slog.Warn("docqa: reply failed", "user", userID, "error", err)
		return ReplyText(err)
	}
	return res.Text
}

// ReplyText maps an Answer error to the text shown to a chat user.
func ReplyText(err error) string {
	switch {
	case errors.Is(err, ErrNoDocument):
		return ReplyNoDocument
	case errors.Is(err, ErrModelUnavailable):
		return ReplyUnavailable
	default:
		return ReplyFailed
	}
}

// isGreeting reports whether text is one of the configured greeting
// triggers, alone or followed by more words.
func (e *engine) isGreeting(text string) bool {
	if e.cfg.Answer.Greeting == "" {
		return false
	}
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRightFunc(t, unicode.IsPunct)
	if t == "" {
		return true
	}
	for _, trigger := range e.cfg.Answer.GreetingTriggers {
		trigger = strings.ToLower(trigger)
		if t == trigger {
			return true
		}
		if rest, ok := strings.CutPrefix(t, trigger); ok {
			r := []rune(rest)
			if unicode.IsSpace(r[0]) || strings.ContainsRune(",.!?", r[0]) {
				return true
			}
		}
	}
	return false
}

func (e *engine) History(ctx context.Context, sessionID string) ([]reasoning.Turn, error) {
	s, ok := e.sessions.get(ctx, sessionID, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Turns(), nil
}

func (e *engine) ResetSession(ctx context.Context, sessionID string) error {
	known, err := e.sessions.drop(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func (e *engine) Model() string {
	return e.answerer.Selector().Model()
}

func (e *engine) Store() *store.Store {
	return e.store
}

func (e *engine) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}
