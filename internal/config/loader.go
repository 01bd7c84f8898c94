package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram", "whisper"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai"},
}

// Defaults applied by [Validate] when the corresponding field is zero.
const (
	DefaultSampleRate         = 16000
	DefaultWarmupTimeout      = 5 * time.Second
	DefaultSuggestInterval    = 1500 * time.Millisecond
	DefaultMinimumMargin      = 50.0
	DefaultTaxRate            = 0.0825
	DefaultMinTranscriptLines = 3
	DefaultTokenTTL           = 12 * time.Hour
	DefaultEmbeddingDims      = 1536
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, validates the result, and
// applies defaults. Useful in tests where configs are constructed from string
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

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for zero-valued tunables. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Auth
	if cfg.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if cfg.Auth.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("auth.token_ttl %v must not be negative", cfg.Auth.TokenTTL))
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = DefaultTokenTTL
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required; transcription cannot run without an STT backend"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; operators will not receive suggestions")
	}
	if cfg.Providers.Embeddings.Name == "" && cfg.Log.PostgresDSN != "" {
		slog.Warn("providers.embeddings is empty; vendor phrase similarity search will not be available")
	}

	// Capture channel mapping. Fail fast here so a bad mapping never starts
	// capture.
	capt := &cfg.Capture
	if capt.Channels < 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is invalid; the aggregate device must expose at least 2 channels", capt.Channels))
	}
	if capt.OperatorChannel < 0 {
		errs = append(errs, fmt.Errorf("capture.operator_channel %d must not be negative", capt.OperatorChannel))
	}
	if capt.CounterpartyChannel < 0 {
		errs = append(errs, fmt.Errorf("capture.counterparty_channel %d must not be negative", capt.CounterpartyChannel))
	}
	if capt.OperatorChannel == capt.CounterpartyChannel {
		errs = append(errs, fmt.Errorf("capture.operator_channel and capture.counterparty_channel are both %d; the two roles must map to distinct channels", capt.OperatorChannel))
	}
	if capt.Channels >= 2 {
		if capt.OperatorChannel >= capt.Channels {
			errs = append(errs, fmt.Errorf("capture.operator_channel %d is out of range for a %d-channel device", capt.OperatorChannel, capt.Channels))
		}
		if capt.CounterpartyChannel >= capt.Channels {
			errs = append(errs, fmt.Errorf("capture.counterparty_channel %d is out of range for a %d-channel device", capt.CounterpartyChannel, capt.Channels))
		}
	}
	if capt.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", capt.SampleRate))
	}
	if capt.SampleRate == 0 {
		capt.SampleRate = DefaultSampleRate
	}
	if capt.WarmupTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.warmup_timeout %v must not be negative", capt.WarmupTimeout))
	}
	if capt.WarmupTimeout == 0 {
		capt.WarmupTimeout = DefaultWarmupTimeout
	}

	// Suggest throttle
	if cfg.Suggest.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("suggest.min_interval %v must not be negative", cfg.Suggest.MinInterval))
	}
	if cfg.Suggest.MinInterval == 0 {
		cfg.Suggest.MinInterval = DefaultSuggestInterval
	}

	// Pricing
	p := &cfg.Pricing
	if p.BaseRate < 0 || p.EstimatedUnitCost < 0 || p.Delivery < 0 || p.Surcharge < 0 {
		errs = append(errs, errors.New("pricing values must not be negative"))
	}
	if p.MinimumMargin < 0 {
		errs = append(errs, fmt.Errorf("pricing.minimum_margin %.2f must not be negative", p.MinimumMargin))
	}
	if p.MinimumMargin == 0 {
		p.MinimumMargin = DefaultMinimumMargin
	}
	if p.DefaultTaxRate < 0 || p.DefaultTaxRate >= 1 {
		errs = append(errs, fmt.Errorf("pricing.default_tax_rate %.4f is out of range [0, 1)", p.DefaultTaxRate))
	}
	if p.DefaultTaxRate == 0 {
		p.DefaultTaxRate = DefaultTaxRate
	}
	for name, m := range p.Multipliers {
		if m <= 0 {
			errs = append(errs, fmt.Errorf("pricing.multipliers[%q] %.2f must be positive", name, m))
		}
	}

	// Save
	if cfg.Save.MinTranscriptLines < 0 {
		errs = append(errs, fmt.Errorf("save.min_transcript_lines %d must not be negative", cfg.Save.MinTranscriptLines))
	}
	if cfg.Save.MinTranscriptLines == 0 {
		cfg.Save.MinTranscriptLines = DefaultMinTranscriptLines
	}

	// Log store
	if cfg.Log.PostgresDSN == "" {
		slog.Warn("log.postgres_dsn is empty; conversation saves will fail until a store is configured")
	}
	if cfg.Log.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("log.embedding_dimensions %d must not be negative", cfg.Log.EmbeddingDimensions))
	}
	if cfg.Log.EmbeddingDimensions == 0 {
		cfg.Log.EmbeddingDimensions = DefaultEmbeddingDims
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
