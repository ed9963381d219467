package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator streams a canned reply word by word. JSON requests are
// answered with a SEARCH tool choice for the prompt.
func NewMockGenerator() Generator { return &mockGenerator{delay: 5 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	prompt := strings.TrimSpace(req.Prompt)
	var content string
	if req.JSON {
		data, err := json.Marshal(map[string]string{"action": "SEARCH", "target": prompt})
		if err != nil {
			return err
		}
		content = string(data)
	} else {
		content = "You said: " + prompt + ". This is a mock reply.\n"
	}

	start := time.Now()
	words := strings.SplitAfter(content, " ")
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   i < len(words)-1,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
