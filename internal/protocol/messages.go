package protocol

import "time"

// Transcript represents final speech recognition output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// TTSRequest asks for complete synthesis of Text.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target,omitempty"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
}

// ChatRequest asks for a model reply spoken sentence by sentence.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target,omitempty"`
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	Tier      string `json:"tier,omitempty"`
}

// AudioChunk carries little-endian 16-bit PCM. Sequence is per session.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus closes a synthesis session exactly once.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Chunks    int       `json:"chunks"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IntentRequest is a natural-language query for the tool dispatcher.
type IntentRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
}

// IntentResponse is what the caller speaks and where it should navigate.
type IntentResponse struct {
	SessionID string    `json:"session_id,omitempty"`
	TTSText   string    `json:"tts_text"`
	NavURL    string    `json:"nav_url,omitempty"`
	Action    string    `json:"action,omitempty"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Command announces a UI action chosen by the tool dispatcher.
type Command struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"
	SubjectTTSRequest      = "tts.request"
	SubjectTTSAudio        = "tts.audio"
	SubjectTTSDone         = "tts.done"
	SubjectChatRequest     = "voice.chat.request"
	SubjectIntentResponse  = "intent.response"
	SubjectUICommandPrefix = "ui.command"
)
