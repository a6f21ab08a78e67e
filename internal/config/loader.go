package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults filled in by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultVADName         = "energy"
	DefaultVADThreshold    = 0.10
	DefaultSilenceLimit    = 15
	DefaultKWSName         = "remote"
	DefaultBufferFrames    = 50
	DefaultLocalSampleRate = 16000
	DefaultMemoryEntries   = 500
)

// ValidProviderNames lists the built-in provider names per kind. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"vad": {"energy"},
	"kws": {"remote"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
// Conversation policy defaults are applied by [XiaoAIConfig.Policy].
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeXiaoAI
	}
	if cfg.Audio.InputFormat == "" {
		cfg.Audio.InputFormat = "pcm"
	}
	if cfg.Audio.BufferFrames == 0 {
		cfg.Audio.BufferFrames = DefaultBufferFrames
	}
	if cfg.Audio.LocalSampleRate == 0 {
		cfg.Audio.LocalSampleRate = DefaultLocalSampleRate
	}
	if cfg.Audio.LocalChannels == 0 {
		cfg.Audio.LocalChannels = 1
	}
	if cfg.VAD.Name == "" {
		cfg.VAD.Name = DefaultVADName
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = DefaultVADThreshold
	}
	if cfg.VAD.SilenceLimit == 0 {
		cfg.VAD.SilenceLimit = DefaultSilenceLimit
	}
	if cfg.KWS.Name == "" {
		cfg.KWS.Name = DefaultKWSName
	}
	if cfg.Journal.MemoryEntries == 0 {
		cfg.Journal.MemoryEntries = DefaultMemoryEntries
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: xiaoai, local", cfg.Mode))
	}

	switch cfg.Audio.InputFormat {
	case "pcm", "opus":
	default:
		errs = append(errs, fmt.Errorf("audio.input_format %q is invalid; valid values: pcm, opus", cfg.Audio.InputFormat))
	}
	if cfg.Audio.BufferFrames < 1 {
		errs = append(errs, fmt.Errorf("audio.buffer_frames must be positive, got %d", cfg.Audio.BufferFrames))
	}
	if cfg.Audio.LocalSampleRate < 8000 || cfg.Audio.LocalSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.local_sample_rate %d is out of range [8000, 48000]", cfg.Audio.LocalSampleRate))
	}
	if cfg.Audio.LocalChannels != 1 && cfg.Audio.LocalChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.local_channels must be 1 or 2, got %d", cfg.Audio.LocalChannels))
	}

	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.3f is out of range (0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.SilenceLimit < 1 {
		errs = append(errs, fmt.Errorf("vad.silence_limit must be positive, got %d", cfg.VAD.SilenceLimit))
	}
	validateProviderName("vad", cfg.VAD.Name)

	validateProviderName("kws", cfg.KWS.Name)
	if cfg.KWS.Name == "remote" {
		if cfg.KWS.URL == "" {
			errs = append(errs, errors.New("kws.url is required for the remote spotter"))
		} else if !strings.HasPrefix(cfg.KWS.URL, "ws://") && !strings.HasPrefix(cfg.KWS.URL, "wss://") {
			errs = append(errs, fmt.Errorf("kws.url %q must use ws:// or wss://", cfg.KWS.URL))
		}
	}
	if cfg.KWS.MatchThreshold < 0 || cfg.KWS.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("kws.match_threshold %.2f is out of range [0, 1]", cfg.KWS.MatchThreshold))
	}
	if len(cfg.KWS.Keywords) == 0 {
		slog.Warn("kws.keywords is empty; every spotter detection will wake the assistant")
	}

	if err := cfg.XiaoAI.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("xiaoai: %w", err))
	}

	errs = append(errs, validateResponder(&cfg.Responder)...)

	if cfg.Journal.MemoryEntries < 1 {
		errs = append(errs, fmt.Errorf("journal.memory_entries must be positive, got %d", cfg.Journal.MemoryEntries))
	}

	return errors.Join(errs...)
}

func validateResponder(r *ResponderConfig) []error {
	var errs []error
	if r.Name == "" {
		if len(r.Fallbacks) > 0 {
			errs = append(errs, errors.New("responder.fallbacks requires responder.name"))
		}
		return errs
	}
	validateProviderName("llm", r.Name)
	if r.Temperature < 0 || r.Temperature > 2 {
		errs = append(errs, fmt.Errorf("responder.temperature %.2f is out of range [0, 2]", r.Temperature))
	}
	if r.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("responder.max_tokens must be >= 0, got %d", r.MaxTokens))
	}
	if r.Timeout < 0 {
		errs = append(errs, fmt.Errorf("responder.timeout must be >= 0, got %s", r.Timeout))
	}
	for i, fb := range r.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("responder.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
