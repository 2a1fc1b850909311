package docqa

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/brunobiangulo/docqa/indexer"
	"github.com/brunobiangulo/docqa/llm"
	"github.com/brunobiangulo/docqa/reasoning"
)

// Config holds all configuration for the docqa engine.
type Config struct {
	// DocumentPath is the PDF loaded at startup. Empty starts with no
	// document.
	DocumentPath string `json:"document_path" yaml:"document_path" mapstructure:"document_path"`

	// DBPath enables SQLite persistence of indexes, turns and the query log.
	// Empty keeps everything in memory.
	DBPath string `json:"db_path" yaml:"db_path" mapstructure:"db_path"`

	// WatchDocument re-indexes DocumentPath when the file changes.
	WatchDocument bool `json:"watch_document" yaml:"watch_document" mapstructure:"watch_document"`

	Backend    BackendConfig  `json:"backend" yaml:"backend" mapstructure:"backend"`
	Generation llm.Generation `json:"generation" yaml:"generation" mapstructure:"generation"`
	Answer     AnswerConfig   `json:"answer" yaml:"answer" mapstructure:"answer"`
	Render     indexer.Config `json:"render" yaml:"render" mapstructure:"render"`
	Server     ServerConfig   `json:"server" yaml:"server" mapstructure:"server"`
	Line       LineConfig     `json:"line" yaml:"line" mapstructure:"line"`
}

// BackendConfig selects the LLM service and the ordered model candidates.
type BackendConfig struct {
	Provider string        `json:"provider" yaml:"provider" mapstructure:"provider"` // gemini, openai, ollama, lmstudio, openrouter, groq, xai, custom
	APIKey   string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	BaseURL  string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Models   []string      `json:"models" yaml:"models" mapstructure:"models"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// AnswerConfig shapes the grounded-answer prompt and the conversation.
type AnswerConfig struct {
	SystemTemplate   string `json:"system_template" yaml:"system_template" mapstructure:"system_template"`
	NoInfoPhrase     string `json:"no_info_phrase" yaml:"no_info_phrase" mapstructure:"no_info_phrase"`
	CitationReminder string `json:"citation_reminder" yaml:"citation_reminder" mapstructure:"citation_reminder"`
	Greeting         string `json:"greeting" yaml:"greeting" mapstructure:"greeting"`
	// GreetingTriggers are message prefixes answered with Greeting without
	// calling the model.
	GreetingTriggers []string      `json:"greeting_triggers" yaml:"greeting_triggers" mapstructure:"greeting_triggers"`
	HistoryLimit     int           `json:"history_limit" yaml:"history_limit" mapstructure:"history_limit"` // turns sent per request
	HistoryCap       int           `json:"history_cap" yaml:"history_cap" mapstructure:"history_cap"`       // turns kept per session
	RetryAttempts    uint          `json:"retry_attempts" yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `json:"addr" yaml:"addr" mapstructure:"addr"`
	APIKey      string   `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LineConfig holds the LINE Messaging API channel credentials. An empty
// secret disables the webhook.
type LineConfig struct {
	ChannelSecret string `json:"channel_secret" yaml:"channel_secret" mapstructure:"channel_secret"`
	ChannelToken  string `json:"channel_token" yaml:"channel_token" mapstructure:"channel_token"`
}

// DefaultConfig returns a Config with the settings the pipeline was tuned
// with: deterministic Gemini sampling and permissive safety thresholds.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			Provider: "gemini",
			Models:   append([]string(nil), reasoning.DefaultModels...),
			Timeout:  120 * time.Second,
		},
		Generation: llm.Generation{
			Temperature:     0,
			TopP:            0.95,
			TopK:            40,
			MaxOutputTokens: 2048,
			Safety:          "block_none",
		},
		Answer: AnswerConfig{
			SystemTemplate:   reasoning.DefaultSystemTemplate,
			NoInfoPhrase:     reasoning.DefaultNoInfoPhrase,
			CitationReminder: reasoning.DefaultCitationReminder,
			Greeting:         reasoning.DefaultGreeting,
			GreetingTriggers: []string{"hello", "hi", "สวัสดี"},
			HistoryLimit:     10,
			HistoryCap:       reasoning.DefaultHistoryCap,
			RetryAttempts:    3,
			RetryBaseDelay:   2 * time.Second,
		},
		Render: indexer.DefaultConfig(),
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Validate checks the configuration and returns ErrInvalidConfig naming the
// first offending field.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Backend.Provider == "":
		return invalid("backend.provider is empty")
	case len(c.Backend.Models) == 0:
		return invalid("backend.models is empty")
	case c.Generation.Temperature < 0 || c.Generation.Temperature > 2:
		return invalid("generation.temperature %v out of range [0, 2]", c.Generation.Temperature)
	case c.Generation.TopP < 0 || c.Generation.TopP > 1:
		return invalid("generation.top_p %v out of range [0, 1]", c.Generation.TopP)
	case c.Generation.TopK < 0:
		return invalid("generation.top_k must not be negative")
	case c.Generation.Safety != "" && c.Generation.Safety != "block_none":
		return invalid("generation.safety %q is not supported", c.Generation.Safety)
	case c.Answer.HistoryLimit < 0:
		return invalid("answer.history_limit must not be negative")
	case c.Answer.HistoryCap < 1:
		return invalid("answer.history_cap must be at least 1")
	case c.Answer.RetryAttempts < 1:
		return invalid("answer.retry_attempts must be at least 1")
	case c.Answer.RetryBaseDelay < 0:
		return invalid("answer.retry_base_delay must not be negative")
	case c.Answer.NoInfoPhrase == "":
		return invalid("answer.no_info_phrase is empty")
	case c.Render.PageScale <= 0 || c.Render.CropScale <= 0:
		return invalid("render scales must be positive")
	case c.Render.MinRegion < 0 || c.Render.RegionPadding < 0:
		return invalid("render.min_region and render.region_padding must not be negative")
	}
	if _, err := reasoning.BuildSystemInstruction(c.Answer.SystemTemplate, "", c.Answer.NoInfoPhrase); err != nil {
		return invalid("answer.system_template: %v", err)
	}
	return nil
}

// LoadConfig reads configuration from defaults, an optional YAML or JSON
// file, a .env file and DOCQA_* environment variables, in increasing order
// of precedence. Well-known API key variables fill an empty backend key.
func LoadConfig(path string) (Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("DOCQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("docqa")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.docqa")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Backend.APIKey = ResolveEnvVars(cfg.Backend.APIKey)
	cfg.Server.APIKey = ResolveEnvVars(cfg.Server.APIKey)
	cfg.Line.ChannelSecret = ResolveEnvVars(cfg.Line.ChannelSecret)
	cfg.Line.ChannelToken = ResolveEnvVars(cfg.Line.ChannelToken)
	if cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = apiKeyFromEnv(cfg.Backend.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every leaf key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("document_path", d.DocumentPath)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("watch_document", d.WatchDocument)

	v.SetDefault("backend.provider", d.Backend.Provider)
	v.SetDefault("backend.api_key", d.Backend.APIKey)
	v.SetDefault("backend.base_url", d.Backend.BaseURL)
	v.SetDefault("backend.models", d.Backend.Models)
	v.SetDefault("backend.timeout", d.Backend.Timeout)

	v.SetDefault("generation.temperature", d.Generation.Temperature)
	v.SetDefault("generation.top_p", d.Generation.TopP)
	v.SetDefault("generation.top_k", d.Generation.TopK)
	v.SetDefault("generation.max_output_tokens", d.Generation.MaxOutputTokens)
	v.SetDefault("generation.safety", d.Generation.Safety)

	v.SetDefault("answer.system_template", d.Answer.SystemTemplate)
	v.SetDefault("answer.no_info_phrase", d.Answer.NoInfoPhrase)
	v.SetDefault("answer.citation_reminder", d.Answer.CitationReminder)
	v.SetDefault("answer.greeting", d.Answer.Greeting)
	v.SetDefault("answer.greeting_triggers", d.Answer.GreetingTriggers)
	v.SetDefault("answer.history_limit", d.Answer.HistoryLimit)
	v.SetDefault("answer.history_cap", d.Answer.HistoryCap)
	v.SetDefault("answer.retry_attempts", d.Answer.RetryAttempts)
	v.SetDefault("answer.retry_base_delay", d.Answer.RetryBaseDelay)

	v.SetDefault("render.page_scale", d.Render.PageScale)
	v.SetDefault("render.crop_scale", d.Render.CropScale)
	v.SetDefault("render.min_region", d.Render.MinRegion)
	v.SetDefault("render.region_padding", d.Render.RegionPadding)
	v.SetDefault("render.pdftoppm_path", d.Render.PdftoppmPath)
	v.SetDefault("render.workers", d.Render.Workers)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.api_key", d.Server.APIKey)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)

	v.SetDefault("line.channel_secret", d.Line.ChannelSecret)
	v.SetDefault("line.channel_token", d.Line.ChannelToken)
}

func apiKeyFromEnv(provider string) string {
	var names []string
	switch provider {
	case "gemini":
		names = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	case "openai":
		names = []string{"OPENAI_API_KEY"}
	case "openrouter":
		names = []string{"OPENROUTER_API_KEY"}
	case "groq":
		names = []string{"GROQ_API_KEY"}
	case "xai":
		names = []string{"XAI_API_KEY"}
	}
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envRef.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}
