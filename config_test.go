package docqa

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate(): %v", err)
	}
	if cfg.Generation.Temperature != 0 || cfg.Generation.TopP != 0.95 || cfg.Generation.TopK != 40 ||
		cfg.Generation.MaxOutputTokens != 2048 || cfg.Generation.Safety != "block_none" {
		t.Errorf("generation defaults: got %+v", cfg.Generation)
	}
	if cfg.Render.PageScale != 2 || cfg.Render.CropScale != 3 {
		t.Errorf("render scales: got %v/%v, want 2/3", cfg.Render.PageScale, cfg.Render.CropScale)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no provider", func(c *Config) { c.Backend.Provider = "" }},
		{"no models", func(c *Config) { c.Backend.Models = nil }},
		{"hot temperature", func(c *Config) { c.Generation.Temperature = 3 }},
		{"top_p above one", func(c *Config) { c.Generation.TopP = 1.5 }},
		{"negative top_k", func(c *Config) { c.Generation.TopK = -1 }},
		{"unknown safety", func(c *Config) { c.Generation.Safety = "block_most" }},
		{"zero attempts", func(c *Config) { c.Answer.RetryAttempts = 0 }},
		{"zero cap", func(c *Config) { c.Answer.HistoryCap = 0 }},
		{"no phrase", func(c *Config) { c.Answer.NoInfoPhrase = "" }},
		{"zero scale", func(c *Config) { c.Render.PageScale = 0 }},
		{"broken template", func(c *Config) { c.Answer.SystemTemplate = "{{.Context" }},
		{"unknown template field", func(c *Config) { c.Answer.SystemTemplate = "{{.Missing}}" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate: got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docqa.yaml")
	yaml := `
document_path: ./Graphic.pdf
backend:
  provider: openai
  models: [gpt-4o-mini]
  api_key: ${DOCQA_TEST_KEY}
generation:
  max_output_tokens: 1024
answer:
  history_limit: 6
  retry_base_delay: 500ms
render:
  crop_scale: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOCQA_TEST_KEY", "sk-from-file")
	t.Setenv("DOCQA_ANSWER_HISTORY_CAP", "20")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.DocumentPath != "./Graphic.pdf" {
		t.Errorf("DocumentPath: got %q", cfg.DocumentPath)
	}
	if cfg.Backend.Provider != "openai" || len(cfg.Backend.Models) != 1 || cfg.Backend.Models[0] != "gpt-4o-mini" {
		t.Errorf("Backend: got %+v", cfg.Backend)
	}
	if cfg.Backend.APIKey != "sk-from-file" {
		t.Errorf("APIKey: got %q, want sk-from-file", cfg.Backend.APIKey)
	}
	if cfg.Generation.MaxOutputTokens != 1024 {
		t.Errorf("MaxOutputTokens: got %d, want 1024", cfg.Generation.MaxOutputTokens)
	}
	// Unset keys keep their defaults.
	if cfg.Generation.TopK != 40 {
		t.Errorf("TopK: got %d, want 40", cfg.Generation.TopK)
	}
	if cfg.Answer.HistoryLimit != 6 || cfg.Answer.HistoryCap != 20 {
		t.Errorf("history: got limit %d cap %d, want 6 and 20", cfg.Answer.HistoryLimit, cfg.Answer.HistoryCap)
	}
	if cfg.Answer.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("RetryBaseDelay: got %v, want 500ms", cfg.Answer.RetryBaseDelay)
	}
	if cfg.Render.CropScale != 4 || cfg.Render.PageScale != 2 {
		t.Errorf("render: got %+v", cfg.Render)
	}
}

func TestLoadConfigKeyFallback(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DOCQA_BACKEND_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "AIza-test")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend.Provider != "gemini" {
		t.Errorf("Provider: got %q, want gemini", cfg.Backend.Provider)
	}
	if cfg.Backend.APIKey != "AIza-test" {
		t.Errorf("APIKey: got %q, want AIza-test", cfg.Backend.APIKey)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig with a missing explicit file: got nil error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("generation:\n  top_p: 7\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("LoadConfig: got %v, want ErrInvalidConfig", err)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("DOCQA_A", "alpha")
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plain", "plain"},
		{"${DOCQA_A}", "alpha"},
		{"x-${DOCQA_A}-${DOCQA_UNSET_VAR}", "x-alpha-"},
	}
	for _, tt := range tests {
		if got := ResolveEnvVars(tt.in); got != tt.want {
			t.Errorf("ResolveEnvVars(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
