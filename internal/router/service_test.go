package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tomesphere/voice-core/internal/bus"
	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/natsserver"
	"github.com/tomesphere/voice-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type echoResolver struct{}

func (echoResolver) Resolve(_ context.Context, req protocol.IntentRequest) (protocol.IntentResponse, error) {
	return protocol.IntentResponse{SessionID: req.SessionID, TTSText: "Searching for " + req.Query, Action: "SEARCH", Target: req.Query}, nil
}

func TestRouterResolvesTranscripts(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := config.Default().Router
	svc := NewService(context.Background(), cfg, client, echoResolver{}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)

	intents := make(chan *nats.Msg, 2)
	speech := make(chan *nats.Msg, 2)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectIntentResponse, intents); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTTSRequest, speech); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	_ = client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Text: "   "})
	if err := client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Text: "dune"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-intents:
		var resp protocol.IntentResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.TTSText != "Searching for dune" || resp.Timestamp.IsZero() {
			t.Fatalf("unexpected intent response %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no intent response")
	}
	select {
	case msg := <-speech:
		var req protocol.TTSRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Text != "Searching for dune" || req.Target != cfg.Target || req.Voice != cfg.DefaultVoice {
			t.Fatalf("unexpected tts request %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tts request")
	}
	select {
	case msg := <-intents:
		t.Fatalf("blank transcript should be ignored, got %s", msg.Data)
	case <-time.After(100 * time.Millisecond):
	}
}
