package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/embedded-voice/gateway/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":    {"silero"},
	"asr":    {"deepgram", "whisper", "whisper-native"},
	"llm":    {"openai", "anthropic", "ollama", "anyllm"},
	"tts":    {"elevenlabs", "coqui"},
	"memory": {"postgres"},
	"intent": {"llm-intent"},
	"vllm":   {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.BudgetTier != "" && !cfg.Server.BudgetTier.IsValid() {
		errs = append(errs, fmt.Errorf("server.budget_tier %q is invalid; valid values: fast, standard, deep", cfg.Server.BudgetTier))
	}
	if cfg.Server.CloseConnectionNoVoiceTime < 0 {
		errs = append(errs, errors.New("server.close_connection_no_voice_time must not be negative"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("memory", cfg.Providers.Memory.Name)
	validateProviderName("intent", cfg.Providers.Intent.Name)
	validateProviderName("vllm", cfg.Providers.VLLM.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; devices will not be able to generate responses")
	}
	if cfg.Providers.ASR.Name == "" {
		slog.Warn("no ASR provider configured; spoken turns cannot be transcribed")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; replies will only reach devices as text")
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Memory.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.memory is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; long-term session memory will not be available")
	}

	// Device duplicate-id detection
	deviceIDsSeen := make(map[string]int, len(cfg.Devices))

	for i, dev := range cfg.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if dev.DeviceID == "" {
			errs = append(errs, fmt.Errorf("%s.device_id is required", prefix))
		} else {
			if prev, ok := deviceIDsSeen[dev.DeviceID]; ok {
				errs = append(errs, fmt.Errorf("%s.device_id %q is a duplicate of devices[%d]", prefix, dev.DeviceID, prev))
			}
			deviceIDsSeen[dev.DeviceID] = i
		}
		if dev.BudgetTier != "" && !dev.BudgetTier.IsValid() {
			errs = append(errs, fmt.Errorf("%s.budget_tier %q is invalid; valid values: fast, standard, deep", prefix, dev.BudgetTier))
		}
		if dev.Voice.SpeedFactor != 0 {
			if dev.Voice.SpeedFactor < 0.5 || dev.Voice.SpeedFactor > 2.0 {
				errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, dev.Voice.SpeedFactor))
			}
		}
		if dev.Voice.PitchShift < -10 || dev.Voice.PitchShift > 10 {
			errs = append(errs, fmt.Errorf("%s.voice.pitch_shift %.2f is out of range [-10, 10]", prefix, dev.Voice.PitchShift))
		}

		// Voice provider ↔ TTS provider cross-validation
		if dev.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && dev.Voice.Provider != cfg.Providers.TTS.Name {
			slog.Warn("device voice provider does not match configured TTS provider",
				"device_id", dev.DeviceID,
				"voice_provider", dev.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
