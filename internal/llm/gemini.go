package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

type geminiGenerator struct {
	client *genai.Client
	models tierModels
}

// NewGeminiGenerator streams completions from the Gemini API.
func NewGeminiGenerator(ctx context.Context, apiKey, fastModel, balancedModel string) (Generator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiGenerator{
		client: client,
		models: tierModels{fast: fastModel, balanced: balancedModel, fallback: "gemini-2.0-flash"},
	}, nil
}

func (g *geminiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.models.forTier(req.Tier), genai.Text(req.Prompt), cfg) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   text,
			Partial:   true,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
