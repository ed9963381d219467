package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/eventstore"
	"github.com/tomesphere/voice-core/internal/llm"
	"github.com/tomesphere/voice-core/internal/protocol"
	"github.com/tomesphere/voice-core/internal/tts"
	"github.com/tomesphere/voice-core/internal/voice"
)

// IntentResolver answers tool-dispatch queries. *intent.Resolver satisfies it.
type IntentResolver interface {
	Resolve(ctx context.Context, req protocol.IntentRequest) (protocol.IntentResponse, error)
}

// Deps are the collaborators the HTTP surface serves.
type Deps struct {
	Synthesizer *tts.Synthesizer
	Emitter     *voice.Emitter
	Generator   llm.Generator
	Resolver    IntentResolver
	Recorder    eventstore.Recorder
	// Ready reports whether the runtime has finished starting.
	Ready func() bool
}

// Server exposes synthesis, streaming chat-to-speech and intent resolution over HTTP.
type Server struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
	mux    *http.ServeMux
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "http-api")),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("POST /api/voice/synthesize", s.handleSynthesize)
	s.mux.HandleFunc("POST /api/gemini-voice/chat-stream", s.handleChatStream)
	s.mux.HandleFunc("GET /api/gemini-voice/ws", s.handleChatSocket)
	s.mux.HandleFunc("POST /api/v1/gaka/intent", s.handleIntent)

	// No WriteTimeout: chat streams stay open for as long as the model talks.
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return withCORS(s.mux)
}

func (s *Server) Addr() string { return s.server.Addr }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP server", slog.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "not ready"})
		return
	}
	if s.deps.Synthesizer == nil || !s.deps.Synthesizer.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "tts engine not ready"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ready"})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
