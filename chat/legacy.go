package chat

import (
	"context"
	"fmt"
	"strings"

	legacy "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// LegacyGeminiClient is the secondary text provider. It talks to the same
// service through the older SDK, usually with a separate key and model list.
type LegacyGeminiClient struct {
	client *legacy.Client
	models *rotation
}

func NewLegacyGeminiClient(ctx context.Context, apiKey string, modelNames []string) (*LegacyGeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_FALLBACK_API_KEY environment variable is required")
	}

	client, err := legacy.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create legacy Gemini client: %w", err)
	}

	return &LegacyGeminiClient{
		client: client,
		models: newRotation(modelNames),
	}, nil
}

func (l *LegacyGeminiClient) Name() string {
	return "gemini-legacy"
}

func (l *LegacyGeminiClient) Model() string {
	return l.models.current()
}

func (l *LegacyGeminiClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	return l.models.try(ctx, func(ctx context.Context, name string) (string, error) {
		model := l.client.GenerativeModel(name)
		model.SetTemperature(0.7)
		model.SetMaxOutputTokens(1500)
		model.ResponseMIMEType = "application/json"
		if system != "" {
			model.SystemInstruction = &legacy.Content{Parts: []legacy.Part{legacy.Text(system)}}
		}

		resp, err := model.GenerateContent(ctx, legacy.Text(prompt))
		if err != nil {
			return "", fmt.Errorf("failed to generate content: %w", err)
		}
		return responseText(resp), nil
	})
}

func responseText(resp *legacy.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(legacy.Text); ok {
				sb.WriteString(string(text))
			}
		}
		if sb.Len() > 0 {
			break
		}
	}
	return sb.String()
}

func (l *LegacyGeminiClient) Close() error {
	return l.client.Close()
}
