package speech

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiGenerator produces replies with the Gemini API.
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	maxTokens   int32
	temperature float32
}

// NewGeminiGenerator creates a generator for model using apiKey.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, maxTokens int, temperature float64) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{
		client:      client,
		model:       model,
		maxTokens:   int32(maxTokens),
		temperature: float32(temperature),
	}, nil
}

// Generate implements Generator. The system message becomes the system
// instruction; assistant turns map to the model role.
func (g *GeminiGenerator) Generate(ctx context.Context, messages []Message) (string, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: g.maxTokens,
		Temperature:     genai.Ptr(g.temperature),
	}
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}
