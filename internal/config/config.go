// Package config provides the configuration schema, loader, and provider
// registry for voxloop.
//
// Every backend setting is passed through to the backend unchanged; the
// loader only checks types, ranges and enumerations.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
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

// Level returns the slog level for l. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Mode selects the conversation pipeline.
type Mode string

const (
	// ModeTurn runs recognition, one text turn per utterance, then playback.
	ModeTurn Mode = "turn"

	// ModeDuplex streams raw audio both ways over the dialog channel.
	ModeDuplex Mode = "duplex"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeTurn || m == ModeDuplex
}

// ReplyAudio selects where turn-mode reply audio comes from.
type ReplyAudio string

const (
	ReplySynthesis ReplyAudio = "synthesis"
	ReplyDialog    ReplyAudio = "dialog"
)

// IsValid reports whether r is a recognised reply audio source.
func (r ReplyAudio) IsValid() bool {
	return r == ReplySynthesis || r == ReplyDialog
}

// Sensitivity is an activity detection sensitivity.
type Sensitivity string

const (
	SensitivityLow  Sensitivity = "low"
	SensitivityHigh Sensitivity = "high"
)

// IsValid reports whether s is a recognised sensitivity.
func (s Sensitivity) IsValid() bool {
	return s == SensitivityLow || s == SensitivityHigh
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Audio        AudioConfig        `yaml:"audio"`
	Recognition  RecognitionConfig  `yaml:"recognition"`
	Dialog       DialogConfig       `yaml:"dialog"`
	Voice        VoiceConfig        `yaml:"voice"`
	Conversation ConversationConfig `yaml:"conversation"`
	Providers    ProvidersConfig    `yaml:"providers"`
}

// ServerConfig holds logging and operator endpoint settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr is the address of the metrics and health endpoints
	// (e.g., ":9090"). Empty disables them.
	ListenAddr string `yaml:"listen_addr"`
}

// AudioConfig describes the local audio devices and the reply artifact.
type AudioConfig struct {
	// SampleRate is the capture rate fed to recognition. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// OutputSampleRate is the playback rate. Default 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// Channels is the capture channel count. Default 1.
	Channels int `yaml:"channels"`

	// ChunkSize is the device period in samples. Default 1600 (100 ms at
	// 16 kHz).
	ChunkSize int `yaml:"chunk_size"`

	// MaxBufferedBytes bounds the capture queue. Default 32 MiB.
	MaxBufferedBytes int `yaml:"max_buffered_bytes"`

	// ArtifactPath, when set, receives every reply as a WAV file before it
	// is played.
	ArtifactPath string `yaml:"artifact_path"`
}

// RecognitionConfig is passed through to the recognition backend.
type RecognitionConfig struct {
	// Language is a BCP-47 tag. Default "en-US".
	Language string `yaml:"language"`

	// Model selects a backend model.
	Model string `yaml:"model"`

	// Enhanced requests the backend's enhanced model tier.
	Enhanced bool `yaml:"enhanced"`

	// InterimResults enables interim hypotheses. Default true.
	InterimResults *bool `yaml:"interim_results"`
}

// RetryConfig controls dialog channel open retries.
type RetryConfig struct {
	// MaxAttempts is the number of open attempts per Start. Default 1.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is the wait after the first failed attempt. Default 1s.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the doubling backoff. Default 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// ResendOnDrop resends a query once on a fresh channel when the channel
	// closed before any reply arrived.
	ResendOnDrop bool `yaml:"resend_on_drop"`
}

// ActivityDetectionConfig configures the dialog backend's voice activity
// detection.
type ActivityDetectionConfig struct {
	Disabled          bool        `yaml:"disabled"`
	StartSensitivity  Sensitivity `yaml:"start_sensitivity"`
	EndSensitivity    Sensitivity `yaml:"end_sensitivity"`
	PrefixPaddingMs   int         `yaml:"prefix_padding_ms"`
	SilenceDurationMs int         `yaml:"silence_duration_ms"`
}

// DialogConfig is passed through to the dialog backend.
type DialogConfig struct {
	// Model overrides the dialog provider's model.
	Model string `yaml:"model"`

	// SystemInstruction is the system prompt of the session.
	SystemInstruction string `yaml:"system_instruction"`

	// ResponseTimeout bounds the wait for each response event. Default 30s.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	Retry             RetryConfig             `yaml:"retry"`
	ActivityDetection ActivityDetectionConfig `yaml:"activity_detection"`

	ProactiveAudio      bool `yaml:"proactive_audio"`
	AffectiveDialog     bool `yaml:"affective_dialog"`
	InputTranscription  bool `yaml:"input_transcription"`
	OutputTranscription bool `yaml:"output_transcription"`
}

// VoiceConfig selects the voice of spoken replies.
type VoiceConfig struct {
	// Name is a backend-specific voice name or ID.
	Name string `yaml:"name"`

	// Language is a BCP-47 tag.
	Language string `yaml:"language"`

	// Style is a free-form delivery hint for synthesis.
	Style string `yaml:"style"`

	// SynthesisTimeout bounds the wait for each synthesized fragment and for
	// playback to finish beyond the reply's own length. Default 30s.
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout"`
}

// ConversationConfig controls the conversation loop.
type ConversationConfig struct {
	// Mode selects the pipeline. Default "turn".
	Mode Mode `yaml:"mode"`

	// ExitPhrases end the conversation when heard. Default exit, quit.
	ExitPhrases []string `yaml:"exit_phrases"`

	// ExitFuzzyThreshold enables phonetic exit phrase matching at the given
	// Jaro-Winkler similarity in (0, 1]. Zero disables it.
	ExitFuzzyThreshold float64 `yaml:"exit_fuzzy_threshold"`

	// ReplyAudio selects the turn-mode reply audio source. Default
	// "synthesis".
	ReplyAudio ReplyAudio `yaml:"reply_audio"`
}

// ProvidersConfig declares which provider implementation to use for each
// backend. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT    ProviderEntry `yaml:"stt"`
	Dialog ProviderEntry `yaml:"dialog"`
	TTS    ProviderEntry `yaml:"tts"`

	// The fallback entries are tried in order when the primary fails.
	STTFallback    []ProviderEntry `yaml:"stt_fallback"`
	DialogFallback []ProviderEntry `yaml:"dialog_fallback"`
	TTSFallback    []ProviderEntry `yaml:"tts_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above. Decode them with [DecodeOptions].
	Options map[string]any `yaml:"options"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultSampleRate       = 16000
	DefaultOutputSampleRate = 24000
	DefaultChunkSize        = 1600
	DefaultMaxBufferedBytes = 32 << 20
	DefaultLanguage         = "en-US"
	DefaultResponseTimeout  = 30 * time.Second
	DefaultSynthesisTimeout = 30 * time.Second
	DefaultPrefixPaddingMs  = 20
	DefaultSilenceMs        = 1500
)

// DefaultExitPhrases are used when conversation.exit_phrases is empty.
var DefaultExitPhrases = []string{"exit", "quit"}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	if a.ChunkSize == 0 {
		a.ChunkSize = DefaultChunkSize
	}
	if a.MaxBufferedBytes == 0 {
		a.MaxBufferedBytes = DefaultMaxBufferedBytes
	}

	if cfg.Recognition.Language == "" {
		cfg.Recognition.Language = DefaultLanguage
	}
	if cfg.Recognition.InterimResults == nil {
		on := true
		cfg.Recognition.InterimResults = &on
	}

	d := &cfg.Dialog
	if d.ResponseTimeout == 0 {
		d.ResponseTimeout = DefaultResponseTimeout
	}
	ad := &d.ActivityDetection
	if ad.StartSensitivity == "" {
		ad.StartSensitivity = SensitivityLow
	}
	if ad.EndSensitivity == "" {
		ad.EndSensitivity = SensitivityLow
	}
	if ad.PrefixPaddingMs == 0 {
		ad.PrefixPaddingMs = DefaultPrefixPaddingMs
	}
	if ad.SilenceDurationMs == 0 {
		ad.SilenceDurationMs = DefaultSilenceMs
	}

	if cfg.Voice.SynthesisTimeout == 0 {
		cfg.Voice.SynthesisTimeout = DefaultSynthesisTimeout
	}

	c := &cfg.Conversation
	if c.Mode == "" {
		c.Mode = ModeTurn
	}
	if len(c.ExitPhrases) == 0 {
		c.ExitPhrases = append([]string(nil), DefaultExitPhrases...)
	}
	if c.ReplyAudio == "" {
		c.ReplyAudio = ReplySynthesis
	}
}
