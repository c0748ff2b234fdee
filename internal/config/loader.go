package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":    {"deepgram"},
	"dialog": {"gemini", "openai"},
	"tts":    {"gemini", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
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

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	positive := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", path, v))
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	positive("audio.sample_rate", cfg.Audio.SampleRate)
	positive("audio.output_sample_rate", cfg.Audio.OutputSampleRate)
	positive("audio.chunk_size", cfg.Audio.ChunkSize)
	positive("audio.max_buffered_bytes", cfg.Audio.MaxBufferedBytes)
	if ch := cfg.Audio.Channels; ch < 0 || ch > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", ch))
	}

	// Dialog
	if cfg.Dialog.ResponseTimeout < 0 {
		errs = append(errs, fmt.Errorf("dialog.response_timeout %s must not be negative", cfg.Dialog.ResponseTimeout))
	}
	if cfg.Voice.SynthesisTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.synthesis_timeout %s must not be negative", cfg.Voice.SynthesisTimeout))
	}
	rt := cfg.Dialog.Retry
	positive("dialog.retry.max_attempts", rt.MaxAttempts)
	if rt.Backoff < 0 || rt.MaxBackoff < 0 {
		errs = append(errs, errors.New("dialog.retry backoff values must not be negative"))
	}
	ad := cfg.Dialog.ActivityDetection
	if ad.StartSensitivity != "" && !ad.StartSensitivity.IsValid() {
		errs = append(errs, fmt.Errorf("dialog.activity_detection.start_sensitivity %q is invalid; valid values: low, high", ad.StartSensitivity))
	}
	if ad.EndSensitivity != "" && !ad.EndSensitivity.IsValid() {
		errs = append(errs, fmt.Errorf("dialog.activity_detection.end_sensitivity %q is invalid; valid values: low, high", ad.EndSensitivity))
	}
	positive("dialog.activity_detection.prefix_padding_ms", ad.PrefixPaddingMs)
	positive("dialog.activity_detection.silence_duration_ms", ad.SilenceDurationMs)

	// Conversation
	conv := cfg.Conversation
	if conv.Mode != "" && !conv.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.mode %q is invalid; valid values: turn, duplex", conv.Mode))
	}
	if conv.ReplyAudio != "" && !conv.ReplyAudio.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.reply_audio %q is invalid; valid values: synthesis, dialog", conv.ReplyAudio))
	}
	if conv.ExitFuzzyThreshold < 0 || conv.ExitFuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("conversation.exit_fuzzy_threshold %.2f is out of range [0, 1]", conv.ExitFuzzyThreshold))
	}
	for i, p := range conv.ExitPhrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("conversation.exit_phrases[%d] is empty", i))
		}
	}

	// Providers
	p := cfg.Providers
	if p.Dialog.Name == "" {
		errs = append(errs, errors.New("providers.dialog.name is required"))
	}
	if conv.Mode != ModeDuplex && p.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required in turn mode"))
	}
	if conv.Mode != ModeDuplex && conv.ReplyAudio != ReplyDialog && p.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required when reply_audio is synthesis"))
	}
	validateProviderName("stt", p.STT.Name)
	validateProviderName("dialog", p.Dialog.Name)
	validateProviderName("tts", p.TTS.Name)
	errs = append(errs, validateFallbacks("stt", p.STT, p.STTFallback)...)
	errs = append(errs, validateFallbacks("dialog", p.Dialog, p.DialogFallback)...)
	errs = append(errs, validateFallbacks("tts", p.TTS, p.TTSFallback)...)

	return errors.Join(errs...)
}

func validateFallbacks(kind string, primary ProviderEntry, entries []ProviderEntry) []error {
	var errs []error
	if len(entries) > 0 && primary.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s_fallback is set but providers.%s is not configured", kind, kind))
	}
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallback[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, e.Name)
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
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// DecodeOptions decodes a provider's free-form options into out, a pointer
// to a struct. Input is weakly typed and keys match field names ignoring
// case, '_' and '-'.
func DecodeOptions(entry ProviderEntry, out any) error {
	if len(entry.Options) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return fmt.Errorf("config: options of %q: %w", entry.Name, err)
	}
	if err := dec.Decode(entry.Options); err != nil {
		return fmt.Errorf("config: options of %q: %w", entry.Name, err)
	}
	return nil
}

func normalizeKey(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}
