package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Stream      StreamConfig     `yaml:"stream"`
	Intent      IntentConfig     `yaml:"intent"`
	Broadcast   BroadcastConfig  `yaml:"broadcast"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"` // enables JetStream on the embedded server
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode          string  `yaml:"mode"` // mock, ollama, exec, gemini
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	APIKey        string  `yaml:"api_key"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	TimeoutMS     int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode          string `yaml:"mode"` // mock, exec
	Command       string `yaml:"command"`
	AccessKey     string `yaml:"access_key"`
	Voice         string `yaml:"voice"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

// StreamConfig bounds the per-request chat-to-speech pipeline.
type StreamConfig struct {
	PendingUnits   int `yaml:"pending_units"`
	ChunkBuffer    int `yaml:"chunk_buffer"`
	TimeoutMS      int `yaml:"timeout_ms"`
	MaxPromptBytes int `yaml:"max_prompt_bytes"`
}

type IntentConfig struct {
	SystemPrompt  string `yaml:"system_prompt"`
	Tier          string `yaml:"tier"`
	FallbackReply string `yaml:"fallback_reply"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

// BroadcastConfig selects where tool actions are announced.
type BroadcastConfig struct {
	Mode        string `yaml:"mode"` // log, rest, nats, postgres
	Endpoint    string `yaml:"endpoint"`
	Key         string `yaml:"key"`
	Table       string `yaml:"table"`
	DatabaseURL string `yaml:"database_url"`
	Migrate     bool   `yaml:"migrate"`
	QueueSize   int    `yaml:"queue_size"`
	TimeoutMS   int    `yaml:"timeout_ms"`
}

type RouterConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DefaultVoice string `yaml:"default_voice"`
	Target       string `yaml:"target"`
	SpeakReplies bool   `yaml:"speak_replies"`
}

const defaultSystemPrompt = "You are Hey GaKa, an intelligent voice assistant. You have tools to navigate, search, and read content. " +
	"Always use the appropriate tool to satisfy the user's request. " +
	`Answer with a single JSON object {"action": "NAVIGATE"|"SEARCH"|"READ"|"NONE", "target": string, "reply": string}.`

func Default() Config {
	return Config{
		RuntimeName: "tomesphere-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voice-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		LLM: LLMConfig{
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "gemini-2.0-flash",
			ModelBalanced: "gemini-2.0-flash",
			DefaultTier:   "balanced",
			MaxTokens:     512,
			Temperature:   0.7,
			TimeoutMS:     60000,
		},
		TTS: TTSConfig{
			Mode:          "mock",
			SampleRate:    22050,
			Channels:      1,
			MaxConcurrent: 1,
			TimeoutMS:     30000,
		},
		Stream: StreamConfig{
			PendingUnits:   4,
			ChunkBuffer:    2,
			TimeoutMS:      120000,
			MaxPromptBytes: 16 * 1024,
		},
		Intent: IntentConfig{
			SystemPrompt:  defaultSystemPrompt,
			Tier:          "fast",
			FallbackReply: "I processed that, but encountered an error.",
			TimeoutMS:     20000,
		},
		Broadcast: BroadcastConfig{
			Mode:      "log",
			Table:     "gaka_events",
			QueueSize: 64,
			TimeoutMS: 5000,
		},
		Router: RouterConfig{
			Enabled:      true,
			DefaultVoice: "en-US",
			Target:       "default",
			SpeakReplies: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "TOMESPHERE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TOMESPHERE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TOMESPHERE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TOMESPHERE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TOMESPHERE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TOMESPHERE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TOMESPHERE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TOMESPHERE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "TOMESPHERE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "TOMESPHERE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "TOMESPHERE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "TOMESPHERE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "TOMESPHERE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "TOMESPHERE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TOMESPHERE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TOMESPHERE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TOMESPHERE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TOMESPHERE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TOMESPHERE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "TOMESPHERE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "TOMESPHERE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "TOMESPHERE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "TOMESPHERE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "TOMESPHERE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.LLM.Mode, "TOMESPHERE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "TOMESPHERE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "TOMESPHERE_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "TOMESPHERE_LLM_API_KEY")
	overrideString(&cfg.LLM.ModelFast, "TOMESPHERE_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "TOMESPHERE_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "TOMESPHERE_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "TOMESPHERE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "TOMESPHERE_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "TOMESPHERE_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "TOMESPHERE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "TOMESPHERE_TTS_COMMAND")
	overrideString(&cfg.TTS.AccessKey, "TOMESPHERE_TTS_ACCESS_KEY")
	overrideString(&cfg.TTS.Voice, "TOMESPHERE_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "TOMESPHERE_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "TOMESPHERE_TTS_CHANNELS")
	overrideInt(&cfg.TTS.MaxConcurrent, "TOMESPHERE_TTS_MAX_CONCURRENT")
	overrideInt(&cfg.TTS.TimeoutMS, "TOMESPHERE_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Stream.PendingUnits, "TOMESPHERE_STREAM_PENDING_UNITS")
	overrideInt(&cfg.Stream.ChunkBuffer, "TOMESPHERE_STREAM_CHUNK_BUFFER")
	overrideInt(&cfg.Stream.TimeoutMS, "TOMESPHERE_STREAM_TIMEOUT_MS")
	overrideInt(&cfg.Stream.MaxPromptBytes, "TOMESPHERE_STREAM_MAX_PROMPT_BYTES")
	overrideString(&cfg.Intent.SystemPrompt, "TOMESPHERE_INTENT_SYSTEM_PROMPT")
	overrideString(&cfg.Intent.Tier, "TOMESPHERE_INTENT_TIER")
	overrideString(&cfg.Intent.FallbackReply, "TOMESPHERE_INTENT_FALLBACK_REPLY")
	overrideInt(&cfg.Intent.TimeoutMS, "TOMESPHERE_INTENT_TIMEOUT_MS")
	overrideString(&cfg.Broadcast.Mode, "TOMESPHERE_BROADCAST_MODE")
	overrideString(&cfg.Broadcast.Endpoint, "TOMESPHERE_BROADCAST_ENDPOINT")
	overrideString(&cfg.Broadcast.Key, "TOMESPHERE_BROADCAST_KEY")
	overrideString(&cfg.Broadcast.Table, "TOMESPHERE_BROADCAST_TABLE")
	overrideString(&cfg.Broadcast.DatabaseURL, "TOMESPHERE_BROADCAST_DATABASE_URL")
	overrideBool(&cfg.Broadcast.Migrate, "TOMESPHERE_BROADCAST_MIGRATE")
	overrideInt(&cfg.Broadcast.QueueSize, "TOMESPHERE_BROADCAST_QUEUE_SIZE")
	overrideInt(&cfg.Broadcast.TimeoutMS, "TOMESPHERE_BROADCAST_TIMEOUT_MS")
	overrideBool(&cfg.Router.Enabled, "TOMESPHERE_ROUTER_ENABLED")
	overrideString(&cfg.Router.DefaultVoice, "TOMESPHERE_ROUTER_DEFAULT_VOICE")
	overrideString(&cfg.Router.Target, "TOMESPHERE_ROUTER_TARGET")
	overrideBool(&cfg.Router.SpeakReplies, "TOMESPHERE_ROUTER_SPEAK_REPLIES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "gemini":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|gemini")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.Mode == "gemini" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=gemini")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" {
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.AccessKey == "" {
			return errors.New("tts.access_key must be set when mode=exec")
		}
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.MaxConcurrent <= 0 {
		return errors.New("tts.max_concurrent must be >= 1")
	}
	if cfg.Stream.PendingUnits <= 0 {
		return errors.New("stream.pending_units must be >= 1")
	}
	if cfg.Stream.ChunkBuffer < 0 {
		return errors.New("stream.chunk_buffer must be >= 0")
	}
	if cfg.Stream.MaxPromptBytes <= 0 {
		return errors.New("stream.max_prompt_bytes must be positive")
	}
	switch cfg.Broadcast.Mode {
	case "log":
	case "rest":
		if cfg.Broadcast.Endpoint == "" || cfg.Broadcast.Key == "" {
			return errors.New("broadcast.endpoint and broadcast.key must be set when mode=rest")
		}
	case "nats":
		if !cfg.Bus.Enabled {
			return errors.New("broadcast.mode=nats requires bus.enabled")
		}
	case "postgres":
		if cfg.Broadcast.DatabaseURL == "" {
			return errors.New("broadcast.database_url must be set when mode=postgres")
		}
	default:
		return errors.New("broadcast.mode must be one of log|rest|nats|postgres")
	}
	if cfg.Broadcast.Mode != "log" && cfg.Broadcast.Table == "" {
		return errors.New("broadcast.table must not be empty")
	}
	if cfg.Broadcast.QueueSize <= 0 {
		return errors.New("broadcast.queue_size must be >= 1")
	}
	if cfg.Router.Enabled && !cfg.Bus.Enabled {
		return errors.New("router.enabled requires bus.enabled")
	}
	return nil
}
