package chat

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient is the primary text provider, backed by the Gemini API.
type GeminiClient struct {
	client *genai.Client
	models *rotation
}

func NewGeminiClient(ctx context.Context, apiKey string, modelNames []string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		models: newRotation(modelNames),
	}, nil
}

func (g *GeminiClient) Name() string {
	return "gemini"
}

// Model reports the identifier that will be tried first.
func (g *GeminiClient) Model() string {
	return g.models.current()
}

// Generate sends one prompt, falling through the candidate models until one
// returns text.
func (g *GeminiClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.7)),
		MaxOutputTokens:  int32(1500),
		ResponseMIMEType: "application/json",
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	return g.models.try(ctx, func(ctx context.Context, model string) (string, error) {
		resp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return "", fmt.Errorf("failed to generate content: %w", err)
		}
		return resp.Text(), nil
	})
}

func (g *GeminiClient) Close() error {
	// The new client doesn't have an explicit Close method
	return nil
}
