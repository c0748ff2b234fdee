// Command voxloop runs a real-time spoken conversation with a dialog backend.
package main

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"

	"github.com/MrWong99/voxloop/internal/app"
	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/pkg/provider/dialog"
	geminidialog "github.com/MrWong99/voxloop/pkg/provider/dialog/gemini"
	oaidialog "github.com/MrWong99/voxloop/pkg/provider/dialog/openai"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
	"github.com/MrWong99/voxloop/pkg/provider/tts/elevenlabs"
	geminitts "github.com/MrWong99/voxloop/pkg/provider/tts/gemini"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	noBanner := flag.Bool("no-banner", false, "do not print the startup banner")
	flag.Parse()

	// ── Configuration ─────────────────────────────────────────────────────────
	var level slog.LevelVar
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(&level, config.Diff(old, new))
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxloop: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	if !*noBanner {
		printBanner(cfg)
	}
	slog.Info("voxloop starting",
		"config", *configPath,
		"mode", cfg.Conversation.Mode,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	go watcher.Run(ctx)

	slog.Info("listening, say one of the exit phrases or press Ctrl+C to stop",
		"exit_phrases", cfg.Conversation.ExitPhrases)

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("conversation ended with error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// applyReload applies the hot-reloadable part of a config change.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change takes effect after restart", "sections", d.RestartRequired)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// deepgramOptions are the provider-specific options of the "deepgram" entry.
type deepgramOptions struct {
	Language       string
	Endpoint       string
	UtteranceEndMs int
}

// geminiOptions are the provider-specific options of the "gemini" entries.
type geminiOptions struct {
	Project  string
	Location string
	Voice    string
}

// openaiOptions are the provider-specific options of the "openai" entry.
type openaiOptions struct {
	Organization string
	Timeout      time.Duration
}

// elevenlabsOptions are the provider-specific options of the "elevenlabs"
// entry.
type elevenlabsOptions struct {
	Voice        string
	OutputFormat string
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var o deepgramOptions
		if err := config.DecodeOptions(entry, &o); err != nil {
			return nil, err
		}
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if o.Language != "" {
			opts = append(opts, deepgram.WithLanguage(o.Language))
		}
		if endpoint := cmp.Or(entry.BaseURL, o.Endpoint); endpoint != "" {
			opts = append(opts, deepgram.WithEndpoint(endpoint))
		}
		if o.UtteranceEndMs > 0 {
			opts = append(opts, deepgram.WithUtteranceEndMs(o.UtteranceEndMs))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Dialog ────────────────────────────────────────────────────────────────

	reg.RegisterDialog("gemini", func(entry config.ProviderEntry) (dialog.Provider, error) {
		var o geminiOptions
		if err := config.DecodeOptions(entry, &o); err != nil {
			return nil, err
		}
		var opts []geminidialog.Option
		if entry.APIKey != "" {
			opts = append(opts, geminidialog.WithAPIKey(entry.APIKey))
		}
		if o.Project != "" {
			opts = append(opts, geminidialog.WithVertex(o.Project, o.Location))
		}
		if entry.Model != "" {
			opts = append(opts, geminidialog.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminidialog.WithBaseURL(entry.BaseURL))
		}
		return geminidialog.New(ctx, opts...)
	})

	reg.RegisterDialog("openai", func(entry config.ProviderEntry) (dialog.Provider, error) {
		var o openaiOptions
		if err := config.DecodeOptions(entry, &o); err != nil {
			return nil, err
		}
		var opts []oaidialog.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaidialog.WithBaseURL(entry.BaseURL))
		}
		if o.Organization != "" {
			opts = append(opts, oaidialog.WithOrganization(o.Organization))
		}
		if o.Timeout > 0 {
			opts = append(opts, oaidialog.WithTimeout(o.Timeout))
		}
		return oaidialog.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("gemini", func(entry config.ProviderEntry) (tts.Provider, error) {
		var o geminiOptions
		if err := config.DecodeOptions(entry, &o); err != nil {
			return nil, err
		}
		var opts []geminitts.Option
		if entry.APIKey != "" {
			opts = append(opts, geminitts.WithAPIKey(entry.APIKey))
		}
		if o.Project != "" {
			opts = append(opts, geminitts.WithVertex(o.Project, o.Location))
		}
		if entry.Model != "" {
			opts = append(opts, geminitts.WithModel(entry.Model))
		}
		if o.Voice != "" {
			opts = append(opts, geminitts.WithVoice(o.Voice))
		}
		return geminitts.New(ctx, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var o elevenlabsOptions
		if err := config.DecodeOptions(entry, &o); err != nil {
			return nil, err
		}
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if o.OutputFormat != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(o.OutputFormat))
		}
		if o.Voice != "" {
			opts = append(opts, elevenlabs.WithVoice(o.Voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// fallbackConfig is shared by every provider fallback group.
func fallbackConfig(kind string) resilience.FallbackConfig {
	metrics := observe.DefaultMetrics()
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: 30 * time.Second},
		OnFailure: func(name string, err error) {
			slog.Warn("provider failed, trying next", "kind", kind, "name", name, "err", err)
			metrics.RecordProviderError(context.Background(), name, kind)
		},
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// Fallback entries wrap their primary in a fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	p := cfg.Providers

	if p.STT.Name != "" {
		primary, err := reg.CreateSTT(p.STT)
		if err != nil {
			return nil, err
		}
		ps.STT = primary
		if len(p.STTFallback) > 0 {
			fb := resilience.NewRecognizerFallback(primary, p.STT.Name, fallbackConfig("stt"))
			for _, e := range p.STTFallback {
				alt, err := reg.CreateSTT(e)
				if err != nil {
					return nil, err
				}
				fb.AddFallback(e.Name, alt)
			}
			ps.STT = fb
		}
		slog.Info("provider created", "kind", "stt", "name", p.STT.Name, "fallbacks", len(p.STTFallback))
	}

	primary, err := reg.CreateDialog(p.Dialog)
	if err != nil {
		return nil, err
	}
	ps.Dialog = primary
	if len(p.DialogFallback) > 0 {
		fb := resilience.NewDialogFallback(primary, p.Dialog.Name, fallbackConfig("dialog"))
		for _, e := range p.DialogFallback {
			alt, err := reg.CreateDialog(e)
			if err != nil {
				return nil, err
			}
			fb.AddFallback(e.Name, alt)
		}
		ps.Dialog = fb
	}
	slog.Info("provider created", "kind", "dialog", "name", p.Dialog.Name, "fallbacks", len(p.DialogFallback))

	if p.TTS.Name != "" {
		primary, err := reg.CreateTTS(p.TTS)
		if err != nil {
			return nil, err
		}
		ps.TTS = primary
		if len(p.TTSFallback) > 0 {
			fb := resilience.NewSynthesizerFallback(primary, p.TTS.Name, fallbackConfig("tts"))
			for _, e := range p.TTSFallback {
				alt, err := reg.CreateTTS(e)
				if err != nil {
					return nil, err
				}
				fb.AddFallback(e.Name, alt)
			}
			ps.TTS = fb
		}
		slog.Info("provider created", "kind", "tts", "name", p.TTS.Name, "fallbacks", len(p.TTSFallback))
	}

	return ps, nil
}

// ── Startup banner ────────────────────────────────────────────────────────────

func printBanner(cfg *config.Config) {
	tpl := "{{ .Title \"voxloop\" \"\" 0 }}\n" +
		"Version : " + version + "\n" +
		"Mode    : " + string(cfg.Conversation.Mode) + "\n" +
		"STT     : " + describe(cfg.Providers.STT) + "\n" +
		"Dialog  : " + describe(cfg.Providers.Dialog) + "\n" +
		"TTS     : " + describe(cfg.Providers.TTS) + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

func describe(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}
