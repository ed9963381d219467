package tts

import (
	"context"
	"math"
	"time"
)

const mockAmplitude = 8000

type mockEngine struct {
	sampleRate int
}

// NewMockOpener returns an opener for a deterministic tone engine: every rune
// of the input becomes 10ms of a sine tone whose pitch depends on the rune.
func NewMockOpener(sampleRate int) Opener {
	return func(_ context.Context, _ string) (Engine, error) {
		return &mockEngine{sampleRate: sampleRate}, nil
	}
}

func (m *mockEngine) Synthesize(ctx context.Context, text string) (PCM, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	perRune := m.sampleRate / 100
	if perRune <= 0 {
		perRune = 1
	}
	runes := []rune(text)
	pcm := make(PCM, 0, len(runes)*perRune)
	for _, r := range runes {
		freq := 180 + float64(r%40)*15
		for i := 0; i < perRune; i++ {
			v := math.Sin(2 * math.Pi * freq * float64(i) / float64(m.sampleRate))
			pcm = append(pcm, int16(v*mockAmplitude))
		}
	}
	return pcm, nil
}

func (m *mockEngine) SampleRate() int { return m.sampleRate }

func (m *mockEngine) Close() error { return nil }
