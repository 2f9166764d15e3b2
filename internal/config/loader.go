package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per kind. [Validate] warns
// about unrecognised names without failing, so third-party backends remain
// usable.
var ValidProviderNames = map[string][]string{
	"asr": {"whisper"},
	"llm": {"openai", "groq", "anthropic", "gemini", "ollama", "mistral"},
	"tts": {"elevenlabs"},
	"vad": {"energy", "silero"},
}

// Load reads the YAML configuration at path, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays well-known environment variables onto cfg. Environment
// values win over file values so deployments can keep secrets out of the
// config file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = n
		} else {
			slog.Warn("ignoring non-numeric REDIS_PORT", "value", v)
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		} else {
			slog.Warn("ignoring non-numeric REDIS_DB", "value", v)
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.IdleTimeoutSec = n
		}
	}
	if v := os.Getenv("MAX_SESSION_DURATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MaxDurationSec = n
		}
	}
	if v := os.Getenv("WHISPER_MODEL_PATH"); v != "" {
		cfg.Providers.ASR.Model = v
	}
	if v := os.Getenv("GROQ_API_KEY"); v != "" && cfg.Providers.LLM.Name != "openai" {
		cfg.Providers.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Providers.LLM.Name == "openai" {
		cfg.Providers.LLM.APIKey = v
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		cfg.Providers.TTS.APIKey = v
	}
	if v := os.Getenv("ELEVENLABS_VOICE_ID"); v != "" {
		cfg.Providers.TTS.Voice = v
	}
}

// Validate checks that cfg is coherent, returning a joined error listing all
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if cfg.Providers.ASR.Name == "whisper" && cfg.Providers.ASR.Model == "" {
		errs = append(errs, errors.New("providers.asr.model is required for the whisper backend (set WHISPER_MODEL_PATH or providers.asr.model)"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; replies will use scripted prompts only")
	}
	if cfg.Providers.TTS.Name != "" && cfg.Providers.TTS.APIKey == "" {
		slog.Warn("TTS provider configured without an API key", "provider", cfg.Providers.TTS.Name)
	}

	if cfg.Session.IdleTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout %d must not be negative", cfg.Session.IdleTimeoutSec))
	}
	if cfg.Session.MaxDurationSec < 0 {
		errs = append(errs, fmt.Errorf("session.max_duration %d must not be negative", cfg.Session.MaxDurationSec))
	}
	if cfg.Session.IdleTimeoutSec > 0 && cfg.Session.MaxDurationSec > 0 &&
		cfg.Session.IdleTimeoutSec > cfg.Session.MaxDurationSec {
		errs = append(errs, fmt.Errorf("session.idle_timeout %d exceeds session.max_duration %d", cfg.Session.IdleTimeoutSec, cfg.Session.MaxDurationSec))
	}

	d := cfg.Dialog
	for _, f := range []struct {
		name  string
		value int
	}{
		{"dialog.silence_grace_ms", d.SilenceGraceMS},
		{"dialog.confirmation_ms", d.ConfirmationMS},
		{"dialog.min_speech_ms", d.MinSpeechMS},
		{"dialog.nudge_after_ms", d.NudgeAfterMS},
		{"dialog.incomplete_wait_ms", d.IncompleteWaitMS},
		{"dialog.comfort_wait_ms", d.ComfortWaitMS},
		{"dialog.max_clarifications", d.MaxClarifications},
		{"dialog.max_silence_prompts", d.MaxSilencePrompts},
		{"dialog.max_turns", d.MaxTurns},
	} {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.name, f.value))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames] for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// hostPort joins a host and numeric port, quoting IPv6 hosts correctly.
func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
