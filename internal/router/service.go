package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tomesphere/voice-core/internal/bus"
	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/protocol"
)

// Resolver turns a query into a spoken reply. *intent.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, req protocol.IntentRequest) (protocol.IntentResponse, error)
}

// Service routes final transcripts through intent resolution and asks the
// voice service to speak the reply. A newer transcript for a session cancels
// the resolution still running for it.
type Service struct {
	cfg            config.RouterConfig
	bus            *bus.Client
	resolver       Resolver
	logger         *slog.Logger
	subTranscripts *nats.Subscription
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	mu             sync.Mutex
	sessions       map[string]*sessionState
}

type sessionState struct {
	cancel context.CancelFunc
	seq    uint64
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, resolver Resolver, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionState),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, s.handleTranscript)
	if err != nil {
		return err
	}
	s.subTranscripts = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subTranscripts != nil {
		_ = s.subTranscripts.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.subTranscripts != nil
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("router failed to decode transcript", slogError(err))
		return
	}
	query := strings.TrimSpace(transcript.Text)
	if query == "" || transcript.Partial {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	state := s.sessions[transcript.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[transcript.SessionID] = state
	} else if state.cancel != nil {
		state.cancel()
	}
	state.seq++
	state.cancel = cancel
	seq := state.seq
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(transcript.SessionID, seq, cancel)

		resp, err := s.resolver.Resolve(ctx, protocol.IntentRequest{SessionID: transcript.SessionID, Query: query})
		if err != nil {
			s.logger.Warn("router failed to resolve intent", slogError(err))
			return
		}
		if ctx.Err() != nil {
			s.logger.Debug("dropping superseded intent", slog.String("session_id", transcript.SessionID))
			return
		}
		if resp.Timestamp.IsZero() {
			resp.Timestamp = time.Now().UTC()
		}
		if err := s.bus.PublishJSON(protocol.SubjectIntentResponse, resp); err != nil {
			s.logger.Warn("router failed to publish intent response", slogError(err))
		}
		if !s.cfg.SpeakReplies || resp.TTSText == "" {
			return
		}
		req := protocol.TTSRequest{
			SessionID: transcript.SessionID,
			Text:      resp.TTSText,
			Voice:     s.cfg.DefaultVoice,
			Target:    s.cfg.Target,
		}
		if err := s.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
			s.logger.Warn("router failed to publish tts request", slogError(err))
		}
	}()
}

func (s *Service) finish(sessionID string, seq uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.sessions[sessionID]; state != nil && state.seq == seq {
		delete(s.sessions, sessionID)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
