package llm

import (
	"context"
	"fmt"
	"time"
)

// Roles used in Message.Role. Backends translate them to their wire names
// (Gemini calls the assistant "model").
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Backend is the interface for LLM interactions.
type Backend interface {
	// Generate sends one conversational turn and returns the reply.
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Request is a single generation call.
type Request struct {
	Model string `json:"model"`
	// System is the system instruction. Empty sends none.
	System string `json:"system,omitempty"`
	// History holds prior turns, oldest first.
	History []Message `json:"history,omitempty"`
	// Prompt is the new user message.
	Prompt     string     `json:"prompt"`
	Generation Generation `json:"generation"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generation holds sampling parameters. Zero values are sent as-is except
// MaxOutputTokens and TopK, where zero means "backend default".
type Generation struct {
	Temperature     float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	TopP            float64 `json:"top_p" yaml:"top_p" mapstructure:"top_p"`
	TopK            int     `json:"top_k" yaml:"top_k" mapstructure:"top_k"`
	MaxOutputTokens int     `json:"max_output_tokens" yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	// Safety is "block_none" to disable content filtering, or empty for
	// backend defaults.
	Safety string `json:"safety" yaml:"safety" mapstructure:"safety"`
}

// Response is the reply to a Request.
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM backend.
type Config struct {
	Provider string        `json:"provider" yaml:"provider" mapstructure:"provider"` // gemini, openai, ollama, lmstudio, openrouter, groq, xai, custom
	BaseURL  string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey   string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// defaultBaseURLs are the OpenAI-compatible endpoints of known providers.
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"ollama":     "http://localhost:11434/v1",
	"lmstudio":   "http://localhost:1234/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"xai":        "https://api.x.ai/v1",
}

// NewBackend creates an LLM backend from configuration.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	switch cfg.Provider {
	case "gemini":
		return NewGemini(ctx, cfg)
	case "openai", "ollama", "lmstudio", "openrouter", "groq", "xai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultBaseURLs[cfg.Provider]
		}
		return NewOpenAI(cfg), nil
	case "custom":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("custom llm provider requires base_url")
		}
		return NewOpenAI(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
