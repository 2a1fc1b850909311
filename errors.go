package docqa

import (
	"errors"

	"github.com/brunobiangulo/docqa/indexer"
	"github.com/brunobiangulo/docqa/reasoning"
	"github.com/brunobiangulo/docqa/store"
)

var (
	// ErrDocumentNotFound is returned when a document path does not exist.
	ErrDocumentNotFound = indexer.ErrDocumentNotFound

	// ErrDocumentUnreadable is returned when a document is not a usable PDF.
	ErrDocumentUnreadable = indexer.ErrDocumentUnreadable

	// ErrModelUnavailable is returned when no candidate model accepts the
	// request within the retry budget.
	ErrModelUnavailable = reasoning.ErrModelUnavailable

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = store.ErrStoreClosed

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("docqa: invalid configuration")

	// ErrNoDocument is returned when a question is asked before any
	// document has been loaded successfully.
	ErrNoDocument = errors.New("docqa: no document loaded")

	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("docqa: session not found")

	// ErrEmptyQuestion is returned when a question is blank.
	ErrEmptyQuestion = errors.New("docqa: empty question")
)
