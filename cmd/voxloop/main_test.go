package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/pkg/provider/dialog"
	dialogmock "github.com/MrWong99/voxloop/pkg/provider/dialog/mock"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxloop/pkg/provider/stt/mock"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxloop/pkg/provider/tts/mock"
)

func mockRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("a", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterSTT("b", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterDialog("a", func(config.ProviderEntry) (dialog.Provider, error) { return &dialogmock.Provider{}, nil })
	reg.RegisterTTS("a", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterTTS("b", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	return reg
}

func TestBuildProviders_Plain(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		STT:    config.ProviderEntry{Name: "a"},
		Dialog: config.ProviderEntry{Name: "a"},
	}}

	ps, err := buildProviders(cfg, mockRegistry())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := ps.STT.(*sttmock.Provider); !ok {
		t.Errorf("want the primary recognizer unwrapped, got %T", ps.STT)
	}
	if _, ok := ps.Dialog.(*dialogmock.Provider); !ok {
		t.Errorf("want the primary dialog provider unwrapped, got %T", ps.Dialog)
	}
	if ps.TTS != nil {
		t.Errorf("want no synthesizer, got %T", ps.TTS)
	}
}

func TestBuildProviders_Fallbacks(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		STT:         config.ProviderEntry{Name: "a"},
		STTFallback: []config.ProviderEntry{{Name: "b"}},
		Dialog:      config.ProviderEntry{Name: "a"},
		TTS:         config.ProviderEntry{Name: "a"},
		TTSFallback: []config.ProviderEntry{{Name: "b"}},
	}}

	ps, err := buildProviders(cfg, mockRegistry())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := ps.STT.(*resilience.RecognizerFallback); !ok {
		t.Errorf("want a recognizer fallback, got %T", ps.STT)
	}
	if _, ok := ps.TTS.(*resilience.SynthesizerFallback); !ok {
		t.Errorf("want a synthesizer fallback, got %T", ps.TTS)
	}
}

func TestBuildProviders_UnknownFallback(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		Dialog:         config.ProviderEntry{Name: "a"},
		DialogFallback: []config.ProviderEntry{{Name: "missing"}},
	}}

	_, err := buildProviders(cfg, mockRegistry())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("want ErrProviderNotRegistered, got %v", err)
	}
}

func TestApplyReload_LogLevel(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	applyReload(&level, config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug})
	if level.Level() != slog.LevelDebug {
		t.Fatalf("want debug, got %v", level.Level())
	}
	applyReload(&level, config.ConfigDiff{RestartRequired: []string{"audio"}})
	if level.Level() != slog.LevelDebug {
		t.Errorf("want level untouched by a restart-only change, got %v", level.Level())
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		entry config.ProviderEntry
		want  string
	}{
		{config.ProviderEntry{}, "(not configured)"},
		{config.ProviderEntry{Name: "gemini"}, "gemini"},
		{config.ProviderEntry{Name: "openai", Model: "gpt-4o"}, "openai / gpt-4o"},
	}
	for _, tc := range tests {
		if got := describe(tc.entry); got != tc.want {
			t.Errorf("describe(%+v) = %q, want %q", tc.entry, got, tc.want)
		}
	}
}
