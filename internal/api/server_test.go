package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tomesphere/voice-core/internal/command"
	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/intent"
	"github.com/tomesphere/voice-core/internal/llm"
	"github.com/tomesphere/voice-core/internal/protocol"
	"github.com/tomesphere/voice-core/internal/tts"
	"github.com/tomesphere/voice-core/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDispatcher struct {
	mu      sync.Mutex
	actions []command.Action
	targets []string
}

func (f *fakeDispatcher) Dispatch(action command.Action, target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.targets = append(f.targets, target)
	return true
}

type testEnv struct {
	server     *Server
	dispatcher *fakeDispatcher
}

// mock engine at 16kHz: 160 samples per rune
func newTestServer(t *testing.T, initSynth bool) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.TTS.SampleRate = 16000
	logger := newLogger()

	synth := tts.NewSynthesizer(cfg.TTS, tts.NewMockOpener(cfg.TTS.SampleRate), logger)
	if initSynth {
		if err := synth.Init(context.Background()); err != nil {
			t.Fatalf("init synthesizer: %v", err)
		}
	}
	t.Cleanup(func() { _ = synth.Cleanup() })

	gen := llm.NewMockGenerator()
	dispatcher := &fakeDispatcher{}
	deps := Deps{
		Synthesizer: synth,
		Emitter:     voice.NewEmitter(cfg.Stream, synth, logger),
		Generator:   gen,
		Resolver:    intent.NewResolver(cfg.Intent, cfg.LLM, gen, dispatcher, nil, logger),
	}
	return &testEnv{server: New(cfg, deps, logger), dispatcher: dispatcher}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestServer(t, false)
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before init: expected 503, got %d", rec.Code)
	}

	ready := newTestServer(t, true)
	if rec := ready.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("readyz after init: expected 200, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestServer(t, true)
	rec := env.do(httptest.NewRequest(http.MethodOptions, "/api/voice/synthesize", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestSynthesizeRawText(t *testing.T) {
	env := newTestServer(t, true)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/voice/synthesize", strings.NewReader("Hi.")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Header().Get("X-Sample-Rate") != "16000" {
		t.Fatalf("unexpected sample rate header %q", rec.Header().Get("X-Sample-Rate"))
	}
	if got := rec.Body.Len(); got != 3*160*2 {
		t.Fatalf("expected %d bytes, got %d", 3*160*2, got)
	}
}

func TestSynthesizeJSONAsWAV(t *testing.T) {
	env := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodPost, "/api/voice/synthesize?format=wav", strings.NewReader(`{"text":"Hello."}`))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "audio/wav" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	body := rec.Body.Bytes()
	if !bytes.HasPrefix(body, []byte("RIFF")) || !bytes.Contains(body[:16], []byte("WAVE")) {
		t.Fatal("expected a RIFF/WAVE container")
	}
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	env := newTestServer(t, true)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/voice/synthesize", strings.NewReader("   ")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error == "" {
		t.Fatalf("expected JSON error body, got %q", rec.Body.String())
	}
}

func TestSynthesizeRejectsOversizedBody(t *testing.T) {
	env := newTestServer(t, true)
	big := strings.Repeat("a", env.server.cfg.Stream.MaxPromptBytes+1)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/voice/synthesize", strings.NewReader(big)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestSynthesizeEngineNotReady(t *testing.T) {
	env := newTestServer(t, false)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/voice/synthesize", strings.NewReader("Hi.")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestChatStreamWritesSentenceAudio(t *testing.T) {
	env := newTestServer(t, true)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/gemini-voice/chat-stream", "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	// "You said: hi." and "This is a mock reply."
	want := (13 + 21) * 160 * 2
	if len(body) != want {
		t.Fatalf("expected %d bytes of audio, got %d", want, len(body))
	}
	if state := resp.Trailer.Get("X-Stream-State"); state != voice.Completed.String() {
		t.Fatalf("expected completed trailer, got %q", state)
	}
}

func TestChatStreamEngineNotReady(t *testing.T) {
	env := newTestServer(t, false)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/gemini-voice/chat-stream", strings.NewReader("hi")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestChatSocketSession(t *testing.T) {
	env := newTestServer(t, true)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/gemini-voice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"prompt":"hi"}`)); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frames int
	var status socketStatus
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind == websocket.BinaryMessage {
			if len(data) == 0 {
				t.Fatal("empty binary frame")
			}
			frames++
			continue
		}
		if err := json.Unmarshal(data, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		break
	}
	if frames != 2 || status.Chunks != 2 || status.State != voice.Completed.String() {
		t.Fatalf("unexpected session result: frames=%d status=%+v", frames, status)
	}
	if status.SampleRate != 16000 || status.StreamID == "" {
		t.Fatalf("status missing stream details: %+v", status)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestIntentResolvesToolChoice(t *testing.T) {
	env := newTestServer(t, true)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/gaka/intent", strings.NewReader(`{"query":"jazz records"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp protocol.IntentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TTSText != "Searching for jazz records" || resp.NavURL != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(env.dispatcher.actions) != 1 || env.dispatcher.actions[0] != command.Search || env.dispatcher.targets[0] != "jazz records" {
		t.Fatalf("expected one SEARCH dispatch, got %v %v", env.dispatcher.actions, env.dispatcher.targets)
	}
}

func TestIntentRejectsEmptyQuery(t *testing.T) {
	env := newTestServer(t, true)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/gaka/intent", strings.NewReader(`{"query":"  "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/v1/gaka/intent", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rec.Code)
	}
}
