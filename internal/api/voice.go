package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tomesphere/voice-core/internal/eventstore"
	"github.com/tomesphere/voice-core/internal/llm"
	"github.com/tomesphere/voice-core/internal/tts"
	"github.com/tomesphere/voice-core/internal/voice"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is empty")
)

// readText accepts either a raw text body or a JSON object carrying field.
func readText(w http.ResponseWriter, r *http.Request, field string, limit int) (string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(limit)))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", errBodyTooLarge
		}
		return "", err
	}
	text := string(body)
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/json" {
		var payload map[string]string
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", errors.New("invalid JSON body")
		}
		text = payload[field]
	}
	if strings.TrimSpace(text) == "" {
		return "", errEmptyBody
	}
	return text, nil
}

func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// handleSynthesize returns the whole utterance once synthesis completes, as
// raw little-endian PCM or, with ?format=wav, a WAV file.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	synth := s.deps.Synthesizer
	if synth == nil || !synth.Ready() {
		writeError(w, http.StatusServiceUnavailable, tts.ErrEngineNotReady.Error())
		return
	}
	text, err := readText(w, r, "text", s.cfg.Stream.MaxPromptBytes)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	pcm, err := synth.Synthesize(r.Context(), text)
	if err != nil {
		if errors.Is(err, tts.ErrEngineNotReady) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Warn("synthesis aborted", slogError(err))
		writeError(w, http.StatusRequestTimeout, err.Error())
		return
	}
	s.record(r, uuid.NewString(), eventstore.TypeSynthesis, map[string]int{"samples": len(pcm)})

	w.Header().Set("X-Sample-Rate", strconv.Itoa(synth.SampleRate()))
	if r.URL.Query().Get("format") == "wav" {
		data, err := tts.EncodeWAV(pcm, synth.SampleRate(), s.cfg.TTS.Channels)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(tts.EncodePCM(pcm))
}

// responseSink writes each chunk to the response and flushes it immediately.
// The status line is sent with the first chunk so failures before any audio
// can still be reported as an HTTP error.
type responseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func (s *responseSink) WriteChunk(_ context.Context, chunk []byte) error {
	if !s.started {
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := s.w.Write(chunk); err != nil {
		return err
	}
	return s.rc.Flush()
}

// handleChatStream speaks the model's reply to the posted prompt as a chunked
// octet-stream, one chunk per sentence. A failure after audio has been sent
// aborts the connection so the client sees a truncated body, not a clean end.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	synth := s.deps.Synthesizer
	if synth == nil || !synth.Ready() {
		writeError(w, http.StatusServiceUnavailable, tts.ErrEngineNotReady.Error())
		return
	}
	prompt, err := readText(w, r, "prompt", s.cfg.Stream.MaxPromptBytes)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	sessionID := uuid.NewString()
	options := llm.OptionsFromConfig(s.cfg.LLM, "")
	options.SessionID = sessionID
	options.Prompt = prompt
	s.record(r, sessionID, eventstore.TypeStreamStarted, map[string]int{"prompt_bytes": len(prompt)})

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Sample-Rate", strconv.Itoa(synth.SampleRate()))
	w.Header().Set("X-Stream-Id", sessionID)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Trailer", "X-Stream-State")

	sink := &responseSink{w: w, rc: http.NewResponseController(w)}
	res := s.deps.Emitter.Run(r.Context(), voice.GeneratorSource(s.deps.Generator, options), sink)
	voice.RecordResult(s.deps.Recorder, sessionID, "http", res)

	if res.Err == nil {
		w.Header().Set("X-Stream-State", res.State.String())
		if !sink.started {
			w.WriteHeader(http.StatusOK)
		}
		return
	}
	if r.Context().Err() != nil {
		return
	}
	if !sink.started {
		status := http.StatusBadGateway
		if errors.Is(res.Err, tts.ErrEngineNotReady) {
			status = http.StatusServiceUnavailable
		}
		w.Header().Del("Trailer")
		writeError(w, status, res.Err.Error())
		return
	}
	s.logger.Warn("aborting chat stream", slogError(res.Err), slog.String("stream_id", sessionID), slog.Int("chunks", res.Chunks))
	panic(http.ErrAbortHandler)
}

func (s *Server) record(r *http.Request, sessionID, eventType string, payload any) {
	if s.deps.Recorder != nil {
		s.deps.Recorder.Record(context.WithoutCancel(r.Context()), sessionID, "http", eventType, payload)
	}
}
