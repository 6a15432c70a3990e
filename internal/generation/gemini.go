package generation

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Gemini generates with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini adapter.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Name implements Port.
func (g *Gemini) Name() string { return "gemini:" + g.model }

func (g *Gemini) config(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Params.MaxTokens)
	}
	if t := req.Params.Temperature; t != nil {
		temp := float32(*t)
		cfg.Temperature = &temp
	}
	return cfg
}

func (g *Gemini) contents(req Request) []*genai.Content {
	return []*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}
}

// Generate implements Port.
func (g *Gemini) Generate(ctx context.Context, req Request) (*Response, error) {
	res, err := g.client.Models.GenerateContent(ctx, g.model, g.contents(req), g.config(req))
	if err != nil {
		return nil, Classify(ctx, g.Name(), err)
	}
	text := res.Text()
	if text == "" {
		return nil, Classify(ctx, g.Name(), errEmptyResponse)
	}
	return &Response{Text: text, Model: g.model}, nil
}

// GenerateStream implements Port.
func (g *Gemini) GenerateStream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for res, err := range g.client.Models.GenerateContentStream(ctx, g.model, g.contents(req), g.config(req)) {
			if err != nil {
				yield(Chunk{}, Classify(ctx, g.Name(), err))
				return
			}
			if text := res.Text(); text != "" {
				if !yield(Chunk{Delta: text}, nil) {
					return
				}
			}
		}
		yield(Chunk{Done: true}, nil)
	}
}
