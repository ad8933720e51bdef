package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known inference provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live"}

// Defaults applied by [Validate] to zero fields.
const (
	DefaultListenAddr       = ":8080"
	DefaultProvider         = "gemini-live"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultBlockSize        = 4096
	DefaultSafetyOffsetMs   = 50
	DefaultVoice            = "Puck"
)

// Environment fallbacks for secrets kept out of the YAML file. A value in the
// file wins; the environment is only consulted when the field is empty.
const (
	EnvAPIKey      = "GEMINI_API_KEY"
	EnvPostgresDSN = "TALAQQI_POSTGRES_DSN"
)

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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
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

// Validate applies defaults to zero fields and checks that cfg contains a
// coherent set of values. It returns a joined error listing all validation
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Inference
	if cfg.Inference.Provider == "" {
		cfg.Inference.Provider = DefaultProvider
	}
	if !slices.Contains(ValidProviderNames, cfg.Inference.Provider) {
		slog.Warn("unknown inference provider name; may be a typo or a third-party provider",
			"name", cfg.Inference.Provider,
			"known", ValidProviderNames,
		)
	}
	if cfg.Inference.APIKey == "" {
		cfg.Inference.APIKey = os.Getenv(EnvAPIKey)
	}
	if cfg.Inference.APIKey == "" {
		slog.Warn("inference.api_key is empty; sessions will fail to connect unless the provider needs no key")
	}

	// Audio
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Audio.SafetyOffsetMs == 0 {
		cfg.Audio.SafetyOffsetMs = DefaultSafetyOffsetMs
	}
	if cfg.Audio.InputSampleRate < 8000 || cfg.Audio.InputSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [8000, 48000]", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 8000 || cfg.Audio.OutputSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range [8000, 48000]", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}
	if cfg.Audio.SafetyOffsetMs < 0 || cfg.Audio.SafetyOffsetMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.safety_offset_ms %d is out of range [0, 1000]", cfg.Audio.SafetyOffsetMs))
	}

	// Video
	if cfg.Video.FrameRate < 0 || cfg.Video.FrameRate > 30 {
		errs = append(errs, fmt.Errorf("video.frame_rate %d is out of range [0, 30]", cfg.Video.FrameRate))
	}
	if cfg.Video.JPEGQuality < 0 || cfg.Video.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("video.jpeg_quality %d is out of range [0, 100]", cfg.Video.JPEGQuality))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		cfg.Storage.PostgresDSN = os.Getenv(EnvPostgresDSN)
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; transcripts will be kept in memory only")
	}

	// Modes
	if len(cfg.Modes) == 0 {
		cfg.Modes = DefaultModes()
	}
	for name, mode := range cfg.Modes {
		if mode.Instructions == "" {
			slog.Warn("mode has no instructions; the remote tutor will use its default persona", "mode", name)
		}
		if mode.Voice == "" {
			mode.Voice = DefaultVoice
			cfg.Modes[name] = mode
		}
	}

	return errors.Join(errs...)
}
