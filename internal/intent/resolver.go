package intent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tomesphere/voice-core/internal/command"
	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/eventstore"
	"github.com/tomesphere/voice-core/internal/llm"
	"github.com/tomesphere/voice-core/internal/protocol"
)

var ErrEmptyQuery = errors.New("query must not be empty")

// Dispatcher queues a chosen action for broadcast.
type Dispatcher interface {
	Dispatch(action command.Action, target string) bool
}

// Resolver asks the model which tool satisfies a query, dispatches the chosen
// action and produces the sentence to speak back.
type Resolver struct {
	cfg        config.IntentConfig
	llmCfg     config.LLMConfig
	generator  llm.Generator
	dispatcher Dispatcher
	recorder   eventstore.Recorder
	logger     *slog.Logger
}

func NewResolver(cfg config.IntentConfig, llmCfg config.LLMConfig, generator llm.Generator, dispatcher Dispatcher, recorder eventstore.Recorder, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:        cfg,
		llmCfg:     llmCfg,
		generator:  generator,
		dispatcher: dispatcher,
		recorder:   recorder,
		logger:     logger.With(slog.String("component", "intent-resolver")),
	}
}

type toolChoice struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Reply  string `json:"reply"`
}

// Resolve never fails because of the model: generation errors produce the
// configured fallback reply. Only an empty query is rejected.
func (r *Resolver) Resolve(ctx context.Context, req protocol.IntentRequest) (protocol.IntentResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return protocol.IntentResponse{}, ErrEmptyQuery
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	resp := protocol.IntentResponse{SessionID: sessionID, Timestamp: time.Now().UTC()}

	if r.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	options := llm.OptionsFromConfig(r.llmCfg, r.cfg.Tier)
	options.SessionID = sessionID
	options.Prompt = query
	options.System = r.cfg.SystemPrompt
	options.JSON = true

	text, err := llm.Text(ctx, r.generator, options)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			r.logger.Warn("intent generation failed", slog.String("error", err.Error()), slog.String("session_id", sessionID))
		}
		resp.TTSText = r.cfg.FallbackReply
		r.record(ctx, resp)
		return resp, nil
	}

	choice, ok := parseChoice(text)
	if !ok {
		resp.TTSText = strings.TrimSpace(text)
		r.record(ctx, resp)
		return resp, nil
	}

	action, err := command.ParseAction(choice.Action)
	target := strings.TrimSpace(choice.Target)
	if err != nil || target == "" {
		resp.TTSText = strings.TrimSpace(choice.Reply)
		if resp.TTSText == "" {
			resp.TTSText = r.cfg.FallbackReply
		}
		r.record(ctx, resp)
		return resp, nil
	}

	if r.dispatcher != nil {
		r.dispatcher.Dispatch(action, target)
	}
	resp.Action = action.String()
	resp.Target = target
	resp.TTSText = action.Reply(target)
	if action == command.Navigate {
		resp.NavURL = target
	}
	r.logger.Info("tool executed", slog.String("action", resp.Action), slog.String("target", target), slog.String("session_id", sessionID))
	r.record(ctx, resp)
	return resp, nil
}

func (r *Resolver) record(ctx context.Context, resp protocol.IntentResponse) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(context.WithoutCancel(ctx), resp.SessionID, "intent", eventstore.TypeIntentResolved, resp)
}

// parseChoice extracts the JSON tool choice from model output, tolerating
// markdown code fences and surrounding prose.
func parseChoice(text string) (toolChoice, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return toolChoice{}, false
	}
	var choice toolChoice
	if err := json.Unmarshal([]byte(text[start:end+1]), &choice); err != nil {
		return toolChoice{}, false
	}
	return choice, true
}
