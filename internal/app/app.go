// Package app wires all voxloop subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the audio devices,
// the dialog session and the operator endpoints, Run executes the
// conversation in the configured mode, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithCapture,
// WithSink). When an option is not provided, New opens the default audio
// devices.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/duplex"
	"github.com/MrWong99/voxloop/internal/health"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/internal/transcript"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/malgo"
	"github.com/MrWong99/voxloop/pkg/provider/dialog"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

// Providers holds one interface value per backend. Nil means the backend is
// not configured. Populated by main.go via the config registry.
type Providers struct {
	STT    stt.Provider
	Dialog dialog.Provider
	TTS    tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	meter     metric.MeterProvider

	// Subsystems, initialised in New and torn down in Shutdown.
	capture  *audio.CaptureQueue
	sink     audio.Sink
	sinkFmt  audio.Format
	device   *malgo.Capture
	breaker  *resilience.CircuitBreaker
	session  *session.Session
	health   *health.Handler
	server   *http.Server
	serveErr chan error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCapture injects a capture queue instead of opening the microphone.
// The caller pushes audio into it and closes it.
func WithCapture(q *audio.CaptureQueue) Option {
	return func(a *App) { a.capture = q }
}

// WithSink injects a playback sink in format f instead of opening the
// speaker.
func WithSink(s audio.Sink, f audio.Format) Option {
	return func(a *App) {
		a.sink = s
		a.sinkFmt = f
	}
}

// WithMetrics records metrics on m and registers queue gauges on mp instead
// of the global providers.
func WithMetrics(m *observe.Metrics, mp metric.MeterProvider) Option {
	return func(a *App) {
		a.metrics = m
		a.meter = mp
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.meter == nil {
		a.meter = otel.GetMeterProvider()
	}

	if err := a.checkProviders(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Dialog session ────────────────────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "dialog"})
	a.session = session.New(providers.Dialog, sessionConfig(cfg),
		session.WithMetrics(a.metrics),
		session.WithBreaker(a.breaker),
	)

	// ── 3. Operator endpoints ────────────────────────────────────────────
	a.health = health.New(
		health.SessionChecker(a.session),
		health.CaptureChecker(a.capture),
		health.BreakerChecker("dialog", a.breaker),
	)
	if addr := cfg.Server.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		a.health.Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())
		a.server = &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(a.metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// Session returns the dialog session.
func (a *App) Session() *session.Session { return a.session }

// Health returns the readiness handler.
func (a *App) Health() *health.Handler { return a.health }

func (a *App) checkProviders() error {
	p := a.providers
	if p.Dialog == nil {
		return errors.New("a dialog provider is required")
	}
	if a.cfg.Conversation.Mode == config.ModeDuplex {
		return nil
	}
	if p.STT == nil {
		return errors.New("turn mode requires a recognition provider")
	}
	if a.cfg.Conversation.ReplyAudio == config.ReplySynthesis && p.TTS == nil {
		return errors.New("synthesized replies require a synthesis provider")
	}
	return nil
}

// initAudio opens the microphone and speaker unless doubles were injected.
func (a *App) initAudio() error {
	ac := a.cfg.Audio
	if a.capture == nil || a.sink == nil {
		mctx, err := malgo.NewContext()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, mctx.Close)

		if a.capture == nil {
			a.capture = audio.NewCaptureQueue(
				audio.Format{SampleRate: ac.SampleRate, Channels: ac.Channels},
				audio.WithMaxBufferedBytes(ac.MaxBufferedBytes),
			)
			dev, err := mctx.NewCapture(a.capture, ac.ChunkSize)
			if err != nil {
				return err
			}
			a.device = dev
			a.closers = append(a.closers, dev.Close)
		}
		if a.sink == nil {
			pb, err := mctx.NewPlayback(audio.Mono(ac.OutputSampleRate))
			if err != nil {
				return err
			}
			a.sink, a.sinkFmt = pb, pb.Format()
			a.closers = append(a.closers, pb.Close)
		}
	}

	reg, err := observe.ObserveQueue(a.meter, a.capture)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, reg.Unregister)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the operator endpoints and runs the conversation until it ends,
// ctx is cancelled, or capture fails. A conversation ended by an exit phrase,
// end of capture or cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	if a.server != nil {
		a.serveErr = make(chan error, 1)
		go func() {
			slog.Info("operator endpoints listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.serveErr <- err
			}
			close(a.serveErr)
		}()
	}

	if a.device != nil {
		if err := a.device.Start(); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	slog.Info("conversation starting", "mode", a.cfg.Conversation.Mode)
	var err error
	switch a.cfg.Conversation.Mode {
	case config.ModeDuplex:
		err = a.runDuplex(ctx)
	default:
		err = a.runTurns(ctx)
	}
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

func (a *App) runTurns(ctx context.Context) error {
	cfg := a.cfg
	o, err := orchestrator.New(orchestrator.Deps{
		Capture:     a.capture,
		Recognizer:  a.providers.STT,
		Session:     a.session,
		Synthesizer: a.providers.TTS,
		Sink:        a.sink,
	},
		orchestrator.WithRecognition(recognitionConfig(cfg)),
		orchestrator.WithExitMatcher(transcript.NewExitMatcher(cfg.Conversation.ExitPhrases, cfg.Conversation.ExitFuzzyThreshold)),
		orchestrator.WithReplyAudio(orchestrator.ReplyAudio(cfg.Conversation.ReplyAudio)),
		orchestrator.WithVoice(cfg.Voice.Name, cfg.Voice.Language, cfg.Voice.Style),
		orchestrator.WithSynthesisTimeout(cfg.Voice.SynthesisTimeout),
		orchestrator.WithDialogFormat(audio.Mono(audio.SynthesisSampleRate)),
		orchestrator.WithSinkFormat(a.sinkFmt),
		orchestrator.WithArtifactPath(cfg.Audio.ArtifactPath),
		orchestrator.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	return o.Run(ctx)
}

func (a *App) runDuplex(ctx context.Context) error {
	if _, err := a.session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer a.stopSession()

	stream, err := a.session.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	pump := duplex.New(a.capture, stream, a.sink,
		duplex.WithFormats(audio.Mono(audio.SynthesisSampleRate), a.sinkFmt),
		duplex.WithMetrics(a.metrics),
		duplex.WithTranscriptFunc(func(role duplex.Role, text string) {
			slog.Info("transcript", "role", role, "text", text)
		}),
	)
	return pump.Run(ctx)
}

func (a *App) stopSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.session.Stop(ctx); err != nil {
		slog.Warn("stop session", "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("operator endpoint shutdown error", "err", err)
			}
			if a.serveErr != nil {
				if err := <-a.serveErr; err != nil {
					slog.Warn("operator endpoints failed", "err", err)
				}
			}
		}

		a.capture.Close()
		if err := a.session.Stop(ctx); err != nil {
			slog.Warn("stop session", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sessionConfig converts the dialog, voice and audio sections into the
// session's backend configuration.
func sessionConfig(cfg *config.Config) session.Config {
	d := cfg.Dialog
	ad := d.ActivityDetection
	return session.Config{
		Dialog: dialog.Config{
			Model:               d.Model,
			SystemInstruction:   d.SystemInstruction,
			Voice:               dialog.Voice{Name: cfg.Voice.Name, Language: cfg.Voice.Language},
			AudioReplies:        cfg.Conversation.Mode == config.ModeDuplex || cfg.Conversation.ReplyAudio == config.ReplyDialog,
			InputTranscription:  d.InputTranscription,
			OutputTranscription: d.OutputTranscription,
			ProactiveAudio:      d.ProactiveAudio,
			AffectiveDialog:     d.AffectiveDialog,
			ActivityDetection: dialog.ActivityDetection{
				Disabled:         ad.Disabled,
				StartSensitivity: dialog.Sensitivity(ad.StartSensitivity),
				EndSensitivity:   dialog.Sensitivity(ad.EndSensitivity),
				PrefixPadding:    time.Duration(ad.PrefixPaddingMs) * time.Millisecond,
				SilenceDuration:  time.Duration(ad.SilenceDurationMs) * time.Millisecond,
			},
			InputSampleRate: cfg.Audio.SampleRate,
		},
		ResponseTimeout: d.ResponseTimeout,
		Retry: session.RetryPolicy{
			MaxAttempts:  d.Retry.MaxAttempts,
			Backoff:      d.Retry.Backoff,
			MaxBackoff:   d.Retry.MaxBackoff,
			ResendOnDrop: d.Retry.ResendOnDrop,
		},
	}
}

func recognitionConfig(cfg *config.Config) stt.StreamConfig {
	r := cfg.Recognition
	return stt.StreamConfig{
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       cfg.Audio.Channels,
		Language:       r.Language,
		Model:          r.Model,
		Enhanced:       r.Enhanced,
		InterimResults: r.InterimResults == nil || *r.InterimResults,
	}
}
