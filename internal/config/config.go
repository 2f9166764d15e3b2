// Package config provides the configuration schema and loader for the
// Voiceline server.
package config

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration, typically loaded from YAML via [Load]
// with environment overrides applied by [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Dialog    DialogConfig    `yaml:"dialog"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on, e.g. ":8000".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RedisConfig locates the session store.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return hostPort(host, port)
}

// ProvidersConfig declares which backend serves each pipeline stage.
type ProvidersConfig struct {
	ASR ProviderEntry `yaml:"asr"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the implementation, e.g. "whisper", "groq", "elevenlabs".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider, or a model file path for
	// local backends.
	Model string `yaml:"model"`

	// Voice is the provider-specific voice id, for TTS entries.
	Voice string `yaml:"voice"`
}

// SessionConfig holds session lifecycle timing, in seconds.
type SessionConfig struct {
	IdleTimeoutSec int `yaml:"idle_timeout"`
	MaxDurationSec int `yaml:"max_duration"`
}

// DialogConfig holds turn-taking timing and conversation limits. Zero values
// take the engine defaults.
type DialogConfig struct {
	// Timing thresholds in milliseconds.
	SilenceGraceMS   int `yaml:"silence_grace_ms"`
	ConfirmationMS   int `yaml:"confirmation_ms"`
	MinSpeechMS      int `yaml:"min_speech_ms"`
	NudgeAfterMS     int `yaml:"nudge_after_ms"`
	IncompleteWaitMS int `yaml:"incomplete_wait_ms"`
	ComfortWaitMS    int `yaml:"comfort_wait_ms"`

	// Conversation limits.
	MaxClarifications int `yaml:"max_clarifications"`
	MaxSilencePrompts int `yaml:"max_silence_prompts"`
	MaxTurns          int `yaml:"max_turns"`
}
