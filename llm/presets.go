package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// preset holds the defaults of a hosted or local OpenAI-compatible backend.
type preset struct {
	baseURL    string
	pathPrefix string
	model      string
	// nativeEmbed uses Ollama's /api/embed instead of /v1/embeddings.
	nativeEmbed bool
}

var presets = map[string]preset{
	"ollama":     {baseURL: "http://localhost:11434", pathPrefix: "/v1", nativeEmbed: true},
	"lmstudio":   {baseURL: "http://localhost:1234", pathPrefix: "/v1"},
	"openrouter": {baseURL: "https://openrouter.ai/api", pathPrefix: "/v1"},
	"groq":       {baseURL: "https://api.groq.com/openai", pathPrefix: "/v1", model: "llama-3.3-70b-versatile"},
	"xai":        {baseURL: "https://api.x.ai", pathPrefix: "/v1"},
	// Gemini's OpenAI endpoint has no /v1 segment.
	"gemini": {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
}

func newPresetProvider(cfg Config, p preset) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = p.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	base := newCompatClient(cfg, p.pathPrefix)
	if p.nativeEmbed {
		return &ollamaProvider{compatProvider{name: cfg.Provider, base: base}}
	}
	return &compatProvider{name: cfg.Provider, base: base}
}

// ollamaProvider chats through the compatible endpoint and embeds through
// the native batch endpoint.
type ollamaProvider struct {
	compatProvider
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (p *ollamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	raw, err := p.base.doPost(ctx, "/api/embed", ollamaEmbedRequest{Model: p.base.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	var resp ollamaEmbedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding ollama embed response: %w", err)
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, v := range resp.Embeddings {
		out[i] = toFloat32(v)
	}
	return out, nil
}

func toFloat32(f64 []float64) []float32 {
	out := make([]float32, len(f64))
	for i, v := range f64 {
		out[i] = float32(v)
	}
	return out
}
