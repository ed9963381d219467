package intent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tomesphere/voice-core/internal/command"
	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/llm"
	"github.com/tomesphere/voice-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type cannedGenerator struct {
	text string
	err  error
	last llm.Request
}

func (g *cannedGenerator) Generate(_ context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.last = req
	if g.err != nil {
		return g.err
	}
	return consumer(llm.Chunk{Content: g.text})
}

type dispatched struct {
	action command.Action
	target string
}

type fakeDispatcher struct {
	calls []dispatched
}

func (f *fakeDispatcher) Dispatch(action command.Action, target string) bool {
	f.calls = append(f.calls, dispatched{action, target})
	return true
}

func newResolver(gen llm.Generator, d Dispatcher) *Resolver {
	cfg := config.Default()
	return NewResolver(cfg.Intent, cfg.LLM, gen, d, nil, newLogger())
}

func TestResolveDispatchesToolChoice(t *testing.T) {
	gen := &cannedGenerator{text: "```json\n{\"action\": \"navigate\", \"target\": \"settings\"}\n```"}
	d := &fakeDispatcher{}
	resp, err := newResolver(gen, d).Resolve(context.Background(), protocol.IntentRequest{Query: "open my settings"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resp.TTSText != "Navigating to settings" || resp.NavURL != "settings" || resp.Action != "NAVIGATE" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(d.calls) != 1 || d.calls[0] != (dispatched{command.Navigate, "settings"}) {
		t.Fatalf("unexpected dispatch %+v", d.calls)
	}
	if !gen.last.JSON || gen.last.System == "" || gen.last.Prompt != "open my settings" {
		t.Fatalf("unexpected model request %+v", gen.last)
	}
}

func TestResolveReadAndSearchReplies(t *testing.T) {
	cases := map[string]string{
		`{"action":"READ","target":"Dune"}`:   "Opening Dune for reading",
		`{"action":"SEARCH","target":"cats"}`: "Searching for cats",
	}
	for text, want := range cases {
		resp, err := newResolver(&cannedGenerator{text: text}, &fakeDispatcher{}).Resolve(context.Background(), protocol.IntentRequest{Query: "q"})
		if err != nil || resp.TTSText != want || resp.NavURL != "" {
			t.Fatalf("%s: got %+v %v", text, resp, err)
		}
	}
}

func TestResolvePlainReplyDoesNotDispatch(t *testing.T) {
	d := &fakeDispatcher{}
	resp, err := newResolver(&cannedGenerator{text: `{"action":"NONE","reply":"Hello there."}`}, d).Resolve(context.Background(), protocol.IntentRequest{Query: "hi"})
	if err != nil || resp.TTSText != "Hello there." {
		t.Fatalf("unexpected response %+v %v", resp, err)
	}
	if len(d.calls) != 0 {
		t.Fatal("no action should be dispatched")
	}

	resp, _ = newResolver(&cannedGenerator{text: "Just words."}, d).Resolve(context.Background(), protocol.IntentRequest{Query: "hi"})
	if resp.TTSText != "Just words." {
		t.Fatalf("expected raw text reply, got %q", resp.TTSText)
	}
}

func TestResolveFallsBackOnModelError(t *testing.T) {
	d := &fakeDispatcher{}
	resp, err := newResolver(&cannedGenerator{err: errors.New("quota exceeded")}, d).Resolve(context.Background(), protocol.IntentRequest{Query: "find dune"})
	if err != nil {
		t.Fatalf("model failure must not surface: %v", err)
	}
	if resp.TTSText != "I processed that, but encountered an error." || resp.NavURL != "" {
		t.Fatalf("unexpected fallback %+v", resp)
	}
	if len(d.calls) != 0 {
		t.Fatal("no action should be dispatched on failure")
	}
}

func TestResolveRejectsEmptyQuery(t *testing.T) {
	if _, err := newResolver(&cannedGenerator{}, nil).Resolve(context.Background(), protocol.IntentRequest{Query: "  "}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestResolveWithMockGenerator(t *testing.T) {
	d := &fakeDispatcher{}
	resp, err := newResolver(llm.NewMockGenerator(), d).Resolve(context.Background(), protocol.IntentRequest{Query: "dune"})
	if err != nil || resp.TTSText != "Searching for dune" {
		t.Fatalf("unexpected response %+v %v", resp, err)
	}
}
