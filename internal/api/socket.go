package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tomesphere/voice-core/internal/eventstore"
	"github.com/tomesphere/voice-core/internal/llm"
	"github.com/tomesphere/voice-core/internal/tts"
	"github.com/tomesphere/voice-core/internal/voice"
)

const socketWriteWait = 10 * time.Second

var errClientGone = errors.New("client disconnected")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// socketPrompt is the optional JSON form of the first frame.
type socketPrompt struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

// socketStatus is the last text frame of every session.
type socketStatus struct {
	StreamID   string `json:"stream_id"`
	State      string `json:"state"`
	Chunks     int    `json:"chunks"`
	SampleRate int    `json:"sample_rate"`
	Error      string `json:"error,omitempty"`
}

func parseSocketPrompt(data []byte) socketPrompt {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var p socketPrompt
		if err := json.Unmarshal(data, &p); err == nil {
			return p
		}
	}
	return socketPrompt{Prompt: string(data)}
}

// handleChatSocket runs one chat-to-speech session per connection. The first
// frame carries the prompt; audio follows as binary frames, one per sentence,
// then a JSON status frame and a close frame.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(s.cfg.Stream.MaxPromptBytes))

	sampleRate := 0
	if s.deps.Synthesizer != nil {
		sampleRate = s.deps.Synthesizer.SampleRate()
	}
	finish := func(status socketStatus) {
		status.SampleRate = sampleRate
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		_ = conn.WriteJSON(status)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, status.State),
			time.Now().Add(time.Second),
		)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket closed before prompt", slogError(err))
		return
	}
	prompt := parseSocketPrompt(data)
	if strings.TrimSpace(prompt.Prompt) == "" {
		finish(socketStatus{State: voice.Failed.String(), Error: errEmptyBody.Error()})
		return
	}
	if s.deps.Synthesizer == nil || !s.deps.Synthesizer.Ready() {
		finish(socketStatus{State: voice.Failed.String(), Error: tts.ErrEngineNotReady.Error()})
		return
	}

	sessionID := uuid.NewString()
	options := llm.OptionsFromConfig(s.cfg.LLM, prompt.Tier)
	options.SessionID = sessionID
	options.Prompt = prompt.Prompt
	options.System = prompt.System
	s.record(r, sessionID, eventstore.TypeStreamStarted, map[string]int{"prompt_bytes": len(prompt.Prompt)})

	stream := s.deps.Emitter.Start(r.Context(), voice.GeneratorSource(s.deps.Generator, options))
	logger := s.logger.With(slog.String("stream_id", sessionID))

	// Client frames after the prompt are ignored; a read error means the peer left.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				stream.Cancel(errClientGone)
				return
			}
		}
	}()

	pumpChunks(stream.Chunks(), func(chunk []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		return conn.WriteMessage(websocket.BinaryMessage, chunk)
	}, func(err error) {
		logger.Warn("websocket write failed", slogError(err))
		stream.Cancel(errors.Join(voice.ErrTransport, err))
	})
	res := stream.Wait()
	voice.RecordResult(s.deps.Recorder, sessionID, "websocket", res)

	if errors.Is(res.Err, errClientGone) || errors.Is(res.Err, voice.ErrTransport) {
		return
	}
	status := socketStatus{StreamID: sessionID, State: res.State.String(), Chunks: res.Chunks}
	if res.Err != nil {
		status.Error = res.Err.Error()
	}
	finish(status)
}

// pumpChunks writes every chunk until the first write error, reports it once
// and then only drains chunks so the stream can wind down.
func pumpChunks(chunks <-chan []byte, write func([]byte) error, fail func(error)) {
	failed := false
	for chunk := range chunks {
		if failed {
			continue
		}
		if err := write(chunk); err != nil {
			failed = true
			fail(err)
		}
	}
}
