package llm

import (
	"context"
	"time"

	"github.com/tomesphere/voice-core/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Tier        string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain output to a single JSON object.
	JSON    bool
	TraceID string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend. Generate invokes consumer for every
// chunk in order; a consumer error stops generation and is returned.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, reqTier string) Request {
	req := Request{Tier: cfg.DefaultTier, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if reqTier != "" {
		req.Tier = reqTier
	}
	return req
}

// New selects the generator configured by cfg.Mode.
func New(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "gemini":
		return NewGeminiGenerator(ctx, cfg.APIKey, cfg.ModelFast, cfg.ModelBalanced)
	default:
		return NewMockGenerator(), nil
	}
}

// Text drains a generation into a single string.
func Text(ctx context.Context, gen Generator, req Request) (string, error) {
	var out []byte
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		out = append(out, chunk.Content...)
		return nil
	})
	return string(out), err
}
