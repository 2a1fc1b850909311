package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// geminiBackend talks to Google's Gemini API through the genai SDK.
//
// API key: set via config or GEMINI_API_KEY env var.
type geminiBackend struct {
	client *genai.Client
}

// NewGemini creates a backend for Google Gemini.
func NewGemini(ctx context.Context, cfg Config) (Backend, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	return &geminiBackend{client: client}, nil
}

func (g *geminiBackend) Generate(ctx context.Context, req Request) (*Response, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		contents = append(contents, genai.NewContentFromText(m.Content, geminiRole(m.Role)))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, geminiConfig(req))
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &StatusError{Provider: "gemini", Code: apiErr.Code, Message: apiErr.Message}
		}
		return nil, fmt.Errorf("generating content: %w", err)
	}

	out := &Response{
		Content: resp.Text(),
		Model:   resp.ModelVersion,
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.CompletionTokens = int(u.CandidatesTokenCount)
		out.TotalTokens = int(u.TotalTokenCount)
	}
	return out, nil
}

func geminiRole(role string) genai.Role {
	if role == RoleAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	gen := req.Generation
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(gen.Temperature)),
		TopP:        genai.Ptr(float32(gen.TopP)),
	}
	if gen.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(gen.TopK))
	}
	if gen.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(gen.MaxOutputTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if gen.Safety == "block_none" {
		for _, c := range []genai.HarmCategory{
			genai.HarmCategoryHarassment,
			genai.HarmCategoryHateSpeech,
			genai.HarmCategorySexuallyExplicit,
			genai.HarmCategoryDangerousContent,
		} {
			cfg.SafetySettings = append(cfg.SafetySettings, &genai.SafetySetting{
				Category:  c,
				Threshold: genai.HarmBlockThresholdBlockNone,
			})
		}
	}
	return cfg
}
