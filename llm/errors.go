package llm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"
)

// StatusError is a backend failure that carries the HTTP status.
type StatusError struct {
	Provider string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s API error %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Code, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	var ge genai.APIError
	if errors.As(err, &ge) {
		return ge.Code
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	return 0
}

// IsRateLimited reports whether err is an HTTP 429 from any backend.
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}
