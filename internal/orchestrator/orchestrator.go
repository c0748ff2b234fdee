// Package orchestrator drives the turn-based conversation loop.
//
// The loop is sequential by construction: captured audio feeds a recognition
// stream, finalized utterances become turns, each turn is submitted to the
// dialog session, and the reply is played back before listening resumes.
// Concurrency is confined to one feed goroutine per recognition stream that
// moves frames from the capture queue to the recognizer.
//
// Failure policy:
//   - A capture failure is fatal. Run returns it after stopping the session.
//   - The capture queue reaching end of stream ends Run cleanly.
//   - Recognition, dialog and synthesis failures skip the current turn. The
//     loop logs them and resumes listening. Reply audio that stalls past the
//     synthesis timeout counts as a synthesis failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/internal/transcript"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

const (
	defaultRestartDelay     = time.Second
	defaultStopTimeout      = 5 * time.Second
	defaultSynthesisTimeout = 30 * time.Second
)

// ErrSynthesisTimeout reports that reply audio stalled: no fragment arrived,
// or playback did not finish, within the synthesis timeout.
var ErrSynthesisTimeout = errors.New("orchestrator: synthesis timed out")

// ReplyAudio selects where reply audio comes from.
type ReplyAudio string

const (
	// ReplySynthesis synthesizes the reply's output transcript.
	ReplySynthesis ReplyAudio = "synthesis"

	// ReplyDialog plays the audio fragments the dialog backend returned.
	ReplyDialog ReplyAudio = "dialog"
)

// Source is the pull side of the capture queue.
type Source interface {
	Pull(ctx context.Context) (audio.Frame, error)
}

// Turns is the part of [session.Session] the loop drives.
type Turns interface {
	Start(ctx context.Context) (*session.Handle, error)
	SubmitTurn(ctx context.Context, query string) (session.TurnResult, error)
	Stop(ctx context.Context) error
}

// Deps are the collaborators of an Orchestrator. Capture, Recognizer,
// Session and Sink are required. Synthesizer is required when the reply
// audio comes from synthesis.
type Deps struct {
	Capture     Source
	Recognizer  stt.Provider
	Session     Turns
	Synthesizer tts.Provider
	Sink        audio.Sink
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecognition sets the config every recognition stream is opened with.
func WithRecognition(cfg stt.StreamConfig) Option {
	return func(o *Orchestrator) { o.recognition = cfg }
}

// WithExitMatcher sets the policy that ends the conversation. The default
// matches "exit" and "quit" as whole words.
func WithExitMatcher(m *transcript.ExitMatcher) Option {
	return func(o *Orchestrator) { o.exit = m }
}

// WithReplyAudio selects the reply audio source. The default is
// [ReplySynthesis].
func WithReplyAudio(r ReplyAudio) Option {
	return func(o *Orchestrator) { o.replyAudio = r }
}

// WithVoice sets the voice, language and style of synthesized replies.
func WithVoice(voice, language, style string) Option {
	return func(o *Orchestrator) {
		o.voice = tts.Request{Voice: voice, Language: language, Style: style}
	}
}

// WithDialogFormat declares the PCM format of dialog reply audio.
func WithDialogFormat(f audio.Format) Option {
	return func(o *Orchestrator) { o.dialogFormat = f }
}

// WithSinkFormat declares the format the sink plays. Reply audio in another
// format is converted before it is written. Zero plays reply audio as is.
func WithSinkFormat(f audio.Format) Option {
	return func(o *Orchestrator) { o.sinkFormat = f }
}

// WithArtifactPath writes every reply as a WAV file at path, in the format
// the reply was produced in, before it is played.
func WithArtifactPath(path string) Option {
	return func(o *Orchestrator) { o.artifactPath = path }
}

// WithSynthesisTimeout bounds the wait for each reply fragment. Playback
// drain may take the reply's duration plus d. Zero keeps the default of 30s.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.synthesisTimeout = d
		}
	}
}

// WithRestartDelay sets the wait before retrying a recognition stream that
// failed to start.
func WithRestartDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.restartDelay = d }
}

// WithMetrics sets the metrics recorder. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs the conversation loop. Run may be called once.
type Orchestrator struct {
	deps Deps

	recognition  stt.StreamConfig
	exit         *transcript.ExitMatcher
	replyAudio   ReplyAudio
	voice        tts.Request
	dialogFormat audio.Format
	sinkFormat   audio.Format
	artifactPath string
	restartDelay time.Duration
	metrics      *observe.Metrics

	synthesisTimeout time.Duration

	agg *transcript.Aggregator

	// replying closes the listening gate while a reply is produced and
	// played. Frames pulled meanwhile are discarded.
	replying  atomic.Bool
	discarded atomic.Int64
}

// New returns an Orchestrator over deps.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		deps:         deps,
		recognition:  stt.StreamConfig{SampleRate: audio.CaptureSampleRate, Channels: 1, InterimResults: true},
		replyAudio:   ReplySynthesis,
		dialogFormat: audio.Mono(audio.SynthesisSampleRate),
		restartDelay: defaultRestartDelay,
		agg:          transcript.NewAggregator(),

		synthesisTimeout: defaultSynthesisTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.exit == nil {
		o.exit = transcript.NewExitMatcher(transcript.DefaultExitPhrases, 0)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	var errs []error
	if deps.Capture == nil {
		errs = append(errs, errors.New("orchestrator: capture source is required"))
	}
	if deps.Recognizer == nil {
		errs = append(errs, errors.New("orchestrator: recognizer is required"))
	}
	if deps.Session == nil {
		errs = append(errs, errors.New("orchestrator: session is required"))
	}
	if deps.Sink == nil {
		errs = append(errs, errors.New("orchestrator: sink is required"))
	}
	switch o.replyAudio {
	case ReplySynthesis:
		if deps.Synthesizer == nil {
			errs = append(errs, errors.New("orchestrator: synthesizer is required for synthesized replies"))
		}
	case ReplyDialog:
	default:
		errs = append(errs, fmt.Errorf("orchestrator: unknown reply audio %q", o.replyAudio))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return o, nil
}

// Discarded returns how many captured frames were dropped by the listening
// gate.
func (o *Orchestrator) Discarded() int64 { return o.discarded.Load() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session and loops until ctx is done, an exit phrase is
// heard, the capture queue ends or capture fails. The session is stopped on
// every exit path. Only a capture failure or a failed initial Start is
// returned as an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.deps.Session.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start session: %w", err)
	}
	defer o.stopSession()

	for {
		stop, err := o.listen(ctx)
		switch {
		case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return nil
		case err != nil:
			return err
		case stop, ctx.Err() != nil:
			return nil
		}
	}
}

func (o *Orchestrator) stopSession() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	if err := o.deps.Session.Stop(ctx); err != nil {
		slog.Warn("orchestrator: stop session", "err", err)
	}
}

// errRestart ends the current recognition stream without ending the loop.
var errRestart = errors.New("orchestrator: restart recognition")

// listen runs one recognition stream until it ends. It reports whether the
// conversation is over.
func (o *Orchestrator) listen(ctx context.Context) (bool, error) {
	h, err := o.deps.Recognizer.StartStream(ctx, o.recognition)
	if err != nil {
		slog.Warn("orchestrator: start recognition stream", "err", err, "retry_in", o.restartDelay)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(o.restartDelay):
			return false, nil
		}
	}
	defer h.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return o.feed(gctx, h) })

	stop, turnErr := o.consume(ctx, gctx, h)
	cancel()
	feedErr := g.Wait()

	if !stop {
		o.endUtterance(ctx, h.Err())
	}

	switch {
	case errors.Is(feedErr, audio.ErrEndOfStream):
		slog.Info("orchestrator: capture ended")
		return true, nil
	case feedErr != nil && !errors.Is(feedErr, errRestart):
		return false, fmt.Errorf("orchestrator: capture: %w", feedErr)
	case turnErr != nil:
		return false, turnErr
	default:
		return stop, nil
	}
}

// feed moves captured frames to the recognizer until ctx is done or capture
// ends. Frames pulled while the gate is closed are discarded.
func (o *Orchestrator) feed(ctx context.Context, h stt.SessionHandle) error {
	for {
		frame, err := o.deps.Capture.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if o.replying.Load() {
			o.discarded.Add(1)
			continue
		}
		if err := h.SendAudio(frame.Data); err != nil {
			if !errors.Is(err, stt.ErrSessionClosed) {
				slog.Warn("orchestrator: send audio to recognizer", "err", err)
			}
			return errRestart
		}
	}
}

// consume reads recognition results and runs every finalized utterance as a
// turn. It returns when the stream ends, streamCtx is done, or the
// conversation is over. Turns run under ctx so that a feed failure does not
// abort a reply already in progress.
func (o *Orchestrator) consume(ctx, streamCtx context.Context, h stt.SessionHandle) (bool, error) {
	for {
		select {
		case <-streamCtx.Done():
			return false, nil
		case r, ok := <-h.Results():
			if !ok {
				return false, nil
			}
			turn, done := o.agg.Feed(r)
			if !done {
				continue
			}
			stop, err := o.handleTurn(ctx, turn)
			if err != nil || stop {
				return stop, err
			}
		}
	}
}

// endUtterance closes the aggregator at the end of a recognition stream.
func (o *Orchestrator) endUtterance(ctx context.Context, streamErr error) {
	if streamErr != nil {
		slog.Warn("orchestrator: recognition stream failed", "err", streamErr)
	}
	if err := o.agg.End(); err != nil {
		o.metrics.RecordUtterance(ctx, "incomplete")
		slog.Info("orchestrator: utterance discarded", "err", err)
	}
}

// ─── Turn handling ───────────────────────────────────────────────────────────

// handleTurn submits one utterance and plays the reply. The listening gate
// is closed for the whole cycle. Errors scoped to the turn are logged and
// swallowed; only cancellation of ctx is returned.
func (o *Orchestrator) handleTurn(ctx context.Context, turn transcript.Turn) (bool, error) {
	query := strings.TrimSpace(turn.Query)
	if query == "" {
		o.metrics.RecordUtterance(ctx, "empty")
		return false, nil
	}
	exit := o.exit.Match(query)
	if exit {
		o.metrics.RecordUtterance(ctx, "exit")
	} else {
		o.metrics.RecordUtterance(ctx, "final")
	}

	o.replying.Store(true)
	defer o.replying.Store(false)

	log := observe.Logger(ctx).With("query", query)
	log.Info("orchestrator: turn")

	res, err := o.submit(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn("orchestrator: turn skipped", "err", err)
		return exit, nil
	}
	log.Info("orchestrator: reply", "turn_id", res.TurnID, "reply", res.OutputTranscript)

	if err := o.playReply(ctx, res); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn("orchestrator: reply playback failed", "turn_id", res.TurnID, "err", err)
	}
	if exit {
		log.Info("orchestrator: exit phrase heard")
	}
	return exit, nil
}

// submit runs one turn, reopening the session once if it was invalidated.
func (o *Orchestrator) submit(ctx context.Context, query string) (session.TurnResult, error) {
	res, err := o.deps.Session.SubmitTurn(ctx, query)
	if !errors.Is(err, session.ErrNotStarted) {
		return res, err
	}
	if _, err := o.deps.Session.Start(ctx); err != nil {
		return session.TurnResult{}, err
	}
	return o.deps.Session.SubmitTurn(ctx, query)
}

// playReply produces the reply audio, persists the artifact when configured,
// and plays it to completion. A stream that stalls for longer than the
// synthesis timeout fails the turn with ErrSynthesisTimeout.
func (o *Orchestrator) playReply(ctx context.Context, res session.TurnResult) error {
	start := time.Now()
	stream, err := o.replyStream(ctx, res)
	if err != nil || stream == nil {
		return err
	}

	var artifact *audio.FileSink
	if o.artifactPath != "" {
		artifact = audio.NewFileSink(o.artifactPath, stream.Format)
	}

	timer := time.NewTimer(o.synthesisTimeout)
	defer timer.Stop()

	first := o.replyAudio == ReplySynthesis
	played := 0
	for {
		var (
			pcm []byte
			ok  bool
		)
		select {
		case <-ctx.Done():
			go audio.Drain(stream.Audio())
			return ctx.Err()
		case <-timer.C:
			go audio.Drain(stream.Audio())
			return fmt.Errorf("reply fragment: %w", ErrSynthesisTimeout)
		case pcm, ok = <-stream.Audio():
		}
		if !ok {
			break
		}
		timer.Reset(o.synthesisTimeout)

		if first {
			o.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		if artifact != nil {
			if err := artifact.Write(pcm); err != nil {
				slog.Warn("orchestrator: buffer reply artifact", "path", o.artifactPath, "err", err)
				artifact = nil
			}
		}
		out := o.convert(pcm, stream.Format)
		if err := o.deps.Sink.Write(out); err != nil {
			go audio.Drain(stream.Audio())
			return fmt.Errorf("play: %w", err)
		}
		played += len(out)
	}
	if err := stream.Err(); err != nil {
		slog.Warn("orchestrator: reply stream ended early", "err", err)
	}
	if artifact != nil {
		if err := artifact.Drain(ctx); err != nil {
			slog.Warn("orchestrator: write reply artifact", "path", o.artifactPath, "err", err)
		}
	}
	return o.drainSink(ctx, played, stream.Format)
}

// drainSink waits for playback to finish, allowing the duration of the
// played audio plus the synthesis timeout.
func (o *Orchestrator) drainSink(ctx context.Context, played int, from audio.Format) error {
	f := from
	if o.sinkFormat.SampleRate != 0 && from.SampleRate != 0 {
		f = o.sinkFormat
	}
	dctx, cancel := context.WithTimeout(ctx, f.Duration(played)+o.synthesisTimeout)
	defer cancel()
	if err := o.deps.Sink.Drain(dctx); err != nil {
		if ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("drain playback: %w", ErrSynthesisTimeout)
		}
		return err
	}
	return nil
}

// replyStream returns the reply audio, or nil when there is nothing to play.
func (o *Orchestrator) replyStream(ctx context.Context, res session.TurnResult) (*tts.Stream, error) {
	if o.replyAudio == ReplyDialog {
		pcm := res.AudioBytes()
		if len(pcm) == 0 {
			return nil, nil
		}
		return tts.StreamOf(o.dialogFormat, pcm), nil
	}

	text := strings.TrimSpace(res.OutputTranscript)
	if text == "" {
		return nil, nil
	}
	req := o.voice
	req.Text = text
	stream, err := o.deps.Synthesizer.Synthesize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return stream, nil
}

func (o *Orchestrator) convert(pcm []byte, from audio.Format) []byte {
	if o.sinkFormat.SampleRate == 0 || from.SampleRate == 0 || from == o.sinkFormat {
		return pcm
	}
	return audio.Convert(pcm, from, o.sinkFormat)
}
