package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/tomesphere/voice-core/internal/bus"
	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/eventstore"
	"github.com/tomesphere/voice-core/internal/llm"
	"github.com/tomesphere/voice-core/internal/protocol"
	"github.com/tomesphere/voice-core/internal/tts"
)

// Service answers synthesis and chat requests received on the bus. Audio is
// published on tts.audio and every session ends with one tts.done status.
type Service struct {
	cfg       config.Config
	bus       *bus.Client
	synth     *tts.Synthesizer
	emitter   *Emitter
	generator llm.Generator
	recorder  eventstore.Recorder
	subs      []*nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, synth *tts.Synthesizer, emitter *Emitter, generator llm.Generator, recorder eventstore.Recorder, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		synth:     synth,
		emitter:   emitter,
		generator: generator,
		recorder:  recorder,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "voice-service")),
	}
}

func (s *Service) Start() error {
	ttsSub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleTTS)
	if err != nil {
		return fmt.Errorf("subscribe tts requests: %w", err)
	}
	s.subs = append(s.subs, ttsSub)

	chatSub, err := s.bus.Conn().Subscribe(protocol.SubjectChatRequest, s.handleChat)
	if err != nil {
		_ = ttsSub.Unsubscribe()
		return fmt.Errorf("subscribe chat requests: %w", err)
	}
	s.subs = append(s.subs, chatSub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) == 2 && s.synth.Ready() }

func (s *Service) handleTTS(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if s.cfg.TTS.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TTS.TimeoutMS)*time.Millisecond)
			defer cancel()
		}

		pcm, err := s.synth.Synthesize(ctx, req.Text)
		if err != nil {
			s.logger.Warn("tts synthesis error", slogError(err), slog.String("session_id", req.SessionID))
			s.publishDone(req.SessionID, req.Target, 0, err)
			return
		}
		chunks := 0
		if len(pcm) > 0 {
			if err := s.publishChunk(req.SessionID, req.Target, 0, tts.EncodePCM(pcm), true); err != nil {
				s.publishDone(req.SessionID, req.Target, 0, fmt.Errorf("publish audio: %w", err))
				return
			}
			chunks = 1
		}
		s.publishDone(req.SessionID, req.Target, chunks, nil)
		s.record(req.SessionID, eventstore.TypeSynthesis, map[string]int{"samples": len(pcm)})
	}()
}

func (s *Service) handleChat(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode chat request", slogError(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if len(req.Prompt) > s.cfg.Stream.MaxPromptBytes {
		s.logger.Warn("chat prompt too large", slog.Int("bytes", len(req.Prompt)), slog.String("session_id", req.SessionID))
		s.publishDone(req.SessionID, req.Target, 0, fmt.Errorf("prompt exceeds %d bytes", s.cfg.Stream.MaxPromptBytes))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		options := llm.OptionsFromConfig(s.cfg.LLM, req.Tier)
		options.SessionID = req.SessionID
		options.Prompt = req.Prompt
		options.System = req.System

		s.record(req.SessionID, eventstore.TypeStreamStarted, map[string]int{"prompt_bytes": len(req.Prompt)})
		sequence := 0
		sink := SinkFunc(func(_ context.Context, chunk []byte) error {
			err := s.publishChunk(req.SessionID, req.Target, sequence, chunk, false)
			sequence++
			return err
		})
		res := s.emitter.Run(s.ctx, GeneratorSource(s.generator, options), sink)
		s.publishDone(req.SessionID, req.Target, res.Chunks, res.Err)
		RecordResult(s.recorder, req.SessionID, "bus", res)
	}()
}

func (s *Service) publishChunk(sessionID, target string, sequence int, pcm []byte, final bool) error {
	packet := protocol.AudioChunk{
		SessionID:  sessionID,
		Target:     target,
		Sequence:   sequence,
		SampleRate: s.synth.SampleRate(),
		Channels:   s.cfg.TTS.Channels,
		PCM:        pcm,
		Final:      final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
		return err
	}
	return nil
}

func (s *Service) publishDone(sessionID, target string, chunks int, err error) {
	status := protocol.TTSStatus{
		SessionID: sessionID,
		Target:    target,
		Completed: err == nil,
		Chunks:    chunks,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func (s *Service) record(sessionID, eventType string, payload any) {
	if s.recorder != nil {
		s.recorder.Record(context.Background(), sessionID, "bus", eventType, payload)
	}
}

// RecordResult writes the terminal audit event for a stream.
func RecordResult(recorder eventstore.Recorder, sessionID, origin string, res Result) {
	if recorder == nil {
		return
	}
	if sessionID == "" {
		sessionID = res.ID
	}
	payload := map[string]any{"units": res.Units, "chunks": res.Chunks, "bytes": res.Bytes}
	eventType := eventstore.TypeStreamCompleted
	if res.Err != nil {
		eventType = eventstore.TypeStreamFailed
		payload["error"] = res.Err.Error()
	}
	recorder.Record(context.Background(), sessionID, origin, eventType, payload)
}
