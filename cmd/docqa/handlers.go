package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brunobiangulo/docqa"
	"github.com/brunobiangulo/docqa/indexer"
	"github.com/brunobiangulo/docqa/reasoning"
)

// maxUpload bounds uploaded documents.
const maxUpload = 100 << 20

type handler struct {
	engine   docqa.Engine
	greeting string
}

func newHandler(e docqa.Engine, greeting string) *handler {
	return &handler{engine: e, greeting: greeting}
}

// answerResponse is the JSON form of an answer. Images are served
// separately under /pages/{n}/images/{i}.
type answerResponse struct {
	Text               string   `json:"text"`
	Page               int      `json:"page,omitempty"`
	Images             []string `json:"images"`
	Model              string   `json:"model"`
	NotFound           bool     `json:"not_found"`
	CitationOutOfRange bool     `json:"citation_out_of_range,omitempty"`
	Degraded           bool     `json:"degraded,omitempty"`
	PromptTokens       int      `json:"prompt_tokens"`
	CompletionTokens   int      `json:"completion_tokens"`
	ElapsedMs          int64    `json:"elapsed_ms"`
}

func newAnswerResponse(res *reasoning.AnswerResult) answerResponse {
	out := answerResponse{
		Text:               res.Text,
		Page:               res.Page,
		Images:             make([]string, len(res.Images)),
		Model:              res.Model,
		NotFound:           res.NotFound,
		CitationOutOfRange: res.CitationOutOfRange,
		Degraded:           res.Degraded,
		PromptTokens:       res.PromptTokens,
		CompletionTokens:   res.CompletionTokens,
		ElapsedMs:          res.Elapsed.Milliseconds(),
	}
	for i := range res.Images {
		out.Images[i] = fmt.Sprintf("/pages/%d/images/%d", res.Page, i)
	}
	return out
}

// documentSummary describes the loaded document.
type documentSummary struct {
	Name          string `json:"name"`
	Hash          string `json:"hash,omitempty"`
	Pages         int    `json:"pages"`
	DegradedPages []int  `json:"degraded_pages,omitempty"`
}

func summarize(idx *indexer.DocumentIndex) documentSummary {
	return documentSummary{
		Name:          idx.Name,
		Hash:          idx.Hash,
		Pages:         idx.PageCount(),
		DegradedPages: idx.Degraded(),
	}
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, docqa.ErrSessionNotFound), errors.Is(err, docqa.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, docqa.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, docqa.ErrNoDocument):
		return http.StatusConflict
	case errors.Is(err, docqa.ErrDocumentUnreadable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, docqa.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// POST /sessions
func (h *handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": h.engine.NewSession(),
		"greeting":   h.greeting,
	})
}

// GET /sessions/{id}
func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := h.engine.History(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"turns":      turns,
	})
}

// POST /sessions/{id}/ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id := r.PathValue("id")
	res, err := h.engine.Answer(ctx, id, req.Question)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("answer error", "session", id, "error", err)
			writeError(w, status, "answer failed")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newAnswerResponse(res))
}

// DELETE /sessions/{id}
func (h *handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResetSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /pages/{n}/images/{i}
func (h *handler) handlePageImage(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	i, err := strconv.Atoi(r.PathValue("i"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image index")
		return
	}
	images := h.engine.Document().Images(n)
	if i < 0 || i >= len(images) {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(images[i])))
	w.WriteHeader(http.StatusOK)
	w.Write(images[i])
}

// GET /document
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	idx := h.engine.Document()
	if idx.IsEmpty() {
		writeError(w, http.StatusNotFound, docqa.ErrNoDocument.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(idx))
}

// POST /document
// Accepts a multipart file upload or JSON with a file path.
func (h *handler) handleLoadDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(maxUpload); err == nil {
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			data, err := io.ReadAll(io.LimitReader(file, maxUpload+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "failed to read upload")
				return
			}
			if len(data) > maxUpload {
				writeError(w, http.StatusRequestEntityTooLarge, "document too large")
				return
			}
			// Sanitise filename to prevent path traversal.
			idx, err := h.engine.LoadBytes(ctx, filepath.Base(header.Filename), data)
			h.writeLoaded(w, idx, err)
			return
		}
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if info, err := os.Stat(absPath); err == nil && info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be a file")
		return
	}

	idx, err := h.engine.LoadDocument(ctx, absPath)
	h.writeLoaded(w, idx, err)
}

func (h *handler) writeLoaded(w http.ResponseWriter, idx *indexer.DocumentIndex, err error) {
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("document load error", "error", err)
			writeError(w, status, "document load failed")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(idx))
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	idx := h.engine.Document()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"document": idx.Name,
		"pages":    idx.PageCount(),
		"model":    h.engine.Model(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
