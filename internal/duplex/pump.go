// Package duplex runs full-duplex audio against an open dialog stream.
//
// A [Pump] runs two loops concurrently: the send loop pulls captured audio
// and forwards every block without waiting for replies, and the receive
// loop writes reply audio to the playback sink in arrival order while
// handing transcript fragments to an observer. The loops share one
// cancellation scope: when either fails the other is cancelled and Run
// returns the first error.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/dialog"
)

// Source yields captured audio. *audio.CaptureQueue implements it.
type Source interface {
	Pull(ctx context.Context) (audio.Frame, error)
}

// Conn is an open bidirectional audio stream. *session.Stream implements it.
type Conn interface {
	SendAudio(ctx context.Context, chunk []byte) error
	Recv(ctx context.Context) (dialog.Event, error)
}

// Role tells whose words a transcript fragment holds.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptFunc observes transcript fragments. It runs on its own
// goroutine, so a slow observer never delays playback; fragments are dropped
// when it falls behind.
type TranscriptFunc func(role Role, text string)

// transcriptBuffer is how many fragments may wait for the observer.
const transcriptBuffer = 64

// Option configures a Pump.
type Option func(*Pump)

// WithTranscriptFunc sets the transcript observer. The default logs each
// fragment at debug level.
func WithTranscriptFunc(fn TranscriptFunc) Option {
	return func(p *Pump) { p.onTranscript = fn }
}

// WithFormats declares the backend's reply format and the sink's format.
// Reply audio is converted when they differ.
func WithFormats(reply, sink audio.Format) Option {
	return func(p *Pump) {
		p.replyFormat = reply
		p.sinkFormat = sink
	}
}

// WithMetrics records frame counts on m instead of observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pump) { p.metrics = m }
}

// Pump moves audio both ways between a Source, a Conn and a Sink.
type Pump struct {
	src  Source
	conn Conn
	sink audio.Sink

	replyFormat  audio.Format
	sinkFormat   audio.Format
	onTranscript TranscriptFunc
	metrics      *observe.Metrics
}

type fragment struct {
	role Role
	text string
}

// New returns a Pump. Nothing runs until Run.
func New(src Source, conn Conn, sink audio.Sink, opts ...Option) *Pump {
	p := &Pump{
		src:  src,
		conn: conn,
		sink: sink,
		onTranscript: func(role Role, text string) {
			slog.Debug("transcript", "role", role, "text", text)
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Run pumps until ctx is done, the source reaches end of stream, or either
// loop fails. Cancellation and end of stream return nil; any other failure
// is returned after both loops have stopped.
func (p *Pump) Run(ctx context.Context) error {
	transcripts := make(chan fragment, transcriptBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return guarded("send", p.sendLoop)(gctx) })
	g.Go(func() error { return guarded("receive", func(ctx context.Context) error { return p.recvLoop(ctx, transcripts) })(gctx) })
	g.Go(func() error { p.observe(gctx, transcripts); return nil })

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, audio.ErrEndOfStream):
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil
	default:
		return err
	}
}

// guarded turns a panic in a loop into an error so the other loop is
// cancelled instead of the process crashing.
func guarded(name string, run func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("duplex: %s loop panicked: %v", name, r)
			}
		}()
		if err = run(ctx); err != nil {
			return fmt.Errorf("duplex: %s loop: %w", name, err)
		}
		return nil
	}
}

func (p *Pump) sendLoop(ctx context.Context) error {
	for {
		frame, err := p.src.Pull(ctx)
		if err != nil {
			return err
		}
		if err := p.conn.SendAudio(ctx, frame.Data); err != nil {
			return err
		}
		p.metrics.RecordDuplexFrame(ctx, "in")
	}
}

func (p *Pump) recvLoop(ctx context.Context, transcripts chan<- fragment) error {
	for {
		ev, err := p.conn.Recv(ctx)
		if err != nil {
			return err
		}

		if ev.Interrupted {
			if c, ok := p.sink.(audio.Clearer); ok {
				c.Clear()
			}
		}
		if len(ev.Audio) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.sink.Write(p.convert(ev.Audio)); err != nil {
				return fmt.Errorf("playback: %w", err)
			}
			p.metrics.RecordDuplexFrame(ctx, "out")
		}
		if ev.InputTranscript != "" {
			offer(transcripts, fragment{RoleUser, ev.InputTranscript})
		}
		if ev.OutputTranscript != "" {
			offer(transcripts, fragment{RoleAssistant, ev.OutputTranscript})
		}
	}
}

func (p *Pump) convert(pcm []byte) []byte {
	if p.replyFormat == p.sinkFormat || p.replyFormat.SampleRate == 0 || p.sinkFormat.SampleRate == 0 {
		return pcm
	}
	return audio.Convert(pcm, p.replyFormat, p.sinkFormat)
}

func offer(ch chan<- fragment, f fragment) {
	select {
	case ch <- f:
	default:
		slog.Debug("transcript observer behind, dropping fragment", "role", f.role)
	}
}

func (p *Pump) observe(ctx context.Context, transcripts <-chan fragment) {
	for {
		select {
		case f := <-transcripts:
			p.onTranscript(f.role, f.text)
		case <-ctx.Done():
			return
		}
	}
}
