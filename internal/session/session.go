// Package session manages one long-lived dialog channel and serialises the
// turns sent over it.
//
// A [Session] is constructed explicitly and owned by its caller; there is no
// package-level instance. Start opens the channel (idempotently), SubmitTurn
// runs one query through it, and Stop closes it. The dialog backend
// multiplexes every reply on one channel without a turn identifier, so turns
// are strictly serialised by a TurnLock: a second SubmitTurn does not send
// its query until the first one has consumed its whole reply.
//
// Because events carry no turn identifier, a turn that is abandoned before
// its reply completes (per-event timeout, caller cancellation, transport
// closure) invalidates the channel. The next SubmitTurn then fails with
// [ErrNotStarted] until Start is called again.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/pkg/provider/dialog"
)

// DefaultResponseTimeout bounds the wait for each response event.
const DefaultResponseTimeout = 30 * time.Second

// Config configures a Session.
type Config struct {
	// Dialog is passed to the backend on every open.
	Dialog dialog.Config

	// ResponseTimeout bounds the wait for the next response event within a
	// turn. Zero or negative uses DefaultResponseTimeout.
	ResponseTimeout time.Duration

	// Retry controls open retries and turn resends.
	Retry RetryPolicy
}

// Handle identifies one open dialog channel. It is created by Start and
// becomes stale when the channel is closed or invalidated.
type Handle struct {
	// ID is unique per opened channel.
	ID string

	// OpenedAt is when the channel was opened.
	OpenedAt time.Time

	ch dialog.Channel
}

// TurnResult is the complete reply to one query, accumulated in arrival
// order.
type TurnResult struct {
	// TurnID identifies the turn in logs.
	TurnID string

	// Query is the text that was sent.
	Query string

	// InputTranscript is the backend's transcription of the input.
	InputTranscript string

	// OutputTranscript is the textual reply.
	OutputTranscript string

	// Audio holds the reply audio fragments in arrival order.
	Audio [][]byte

	// Interrupted reports that the backend flagged the reply as interrupted.
	Interrupted bool
}

// AudioBytes returns all audio fragments concatenated.
func (r TurnResult) AudioBytes() []byte {
	n := 0
	for _, f := range r.Audio {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range r.Audio {
		out = append(out, f...)
	}
	return out
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics records session metrics on m instead of observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithBreaker guards every open attempt with cb, so a backend that keeps
// refusing connections is not hammered by repeated Start calls.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Session) { s.breaker = cb }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session owns at most one open dialog channel. All methods are safe for
// concurrent use.
type Session struct {
	provider dialog.Provider
	cfg      Config
	metrics  *observe.Metrics
	breaker  *resilience.CircuitBreaker
	now      func() time.Time

	// turnLock is the TurnLock. It is held for a turn's full request and
	// response cycle, or for the lifetime of a Stream.
	turnLock *semaphore.Weighted

	// startMu serialises Start and Stop.
	startMu sync.Mutex

	mu     sync.Mutex
	handle *Handle
}

// New returns a Session that opens channels with provider. No connection is
// made until Start.
func New(provider dialog.Provider, cfg Config, opts ...Option) *Session {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults()

	s := &Session{
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		turnLock: semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Start opens the dialog channel. If a channel is already open its handle is
// returned and nothing is reopened. Failures are reported as a
// [*ConnectionError]; Start may be called again.
func (s *Session) Start(ctx context.Context) (*Handle, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if h := s.Handle(); h != nil {
		return h, nil
	}
	h, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	return s.install(h), nil
}

// Stop closes the dialog channel. It waits for an in-flight turn or open
// Stream until ctx is done and then closes the channel regardless, which
// fails the in-flight turn. Stop without an open channel is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	h := s.Handle()
	if h == nil {
		return nil
	}
	if err := s.turnLock.Acquire(ctx, 1); err != nil {
		observe.Logger(ctx).Warn("stopping session with turn in flight", "session_id", h.ID)
	} else {
		defer s.turnLock.Release(1)
	}
	return s.invalidate(h, "stopped")
}

// Handle returns the current handle, or nil when no channel is open.
func (s *Session) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Started reports whether a channel is open.
func (s *Session) Started() bool { return s.Handle() != nil }

// SubmitTurn sends query as one turn and returns the complete reply. It
// blocks while another turn or a Stream holds the TurnLock.
//
// It fails with [ErrNotStarted] when no channel is open and with a
// [*TurnFailedError] when the exchange breaks; a per-event timeout is a
// TurnFailedError wrapping [ErrBackendTimeout]. The TurnLock is released on
// every path.
func (s *Session) SubmitTurn(ctx context.Context, query string) (TurnResult, error) {
	if !s.Started() {
		return TurnResult{}, ErrNotStarted
	}
	if err := s.turnLock.Acquire(ctx, 1); err != nil {
		return TurnResult{}, fmt.Errorf("session: acquire turn lock: %w", err)
	}
	defer s.turnLock.Release(1)

	h := s.Handle()
	if h == nil {
		return TurnResult{}, ErrNotStarted
	}

	turnID := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session_id", h.ID),
		attribute.String("turn_id", turnID),
	))
	defer span.End()
	log := observe.Logger(ctx).With("session_id", h.ID, "turn_id", turnID)
	started := s.now()

	res, err := s.exchange(ctx, h, turnID, query)
	if err != nil && s.shouldResend(ctx, err) {
		log.Warn("channel dropped before reply, reopening", "err", err)
		nh, oerr := s.reopen(ctx)
		if oerr != nil {
			err = &TurnFailedError{TurnID: turnID, Err: oerr}
		} else {
			res, err = s.exchange(ctx, nh, turnID, query)
		}
	}

	elapsed := s.now().Sub(started).Seconds()
	if err != nil {
		status := observe.StatusFailed
		if errors.Is(err, ErrBackendTimeout) {
			status = observe.StatusTimeout
		}
		s.metrics.RecordTurn(ctx, status, elapsed)
		observe.Fail(span, err, status)
		log.Warn("turn failed", "err", err)
		return TurnResult{}, err
	}

	s.metrics.RecordTurn(ctx, observe.StatusOK, elapsed)
	log.Debug("turn complete",
		"output_chars", len(res.OutputTranscript),
		"audio_fragments", len(res.Audio),
		"duration", time.Duration(elapsed*float64(time.Second)),
	)
	return res, nil
}

func (s *Session) shouldResend(ctx context.Context, err error) bool {
	var tf *TurnFailedError
	return s.cfg.Retry.ResendOnDrop &&
		ctx.Err() == nil &&
		errors.As(err, &tf) && tf.Fragments == 0 &&
		errors.Is(err, dialog.ErrChannelClosed)
}

// exchange sends query and reads events until the turn completes.
func (s *Session) exchange(ctx context.Context, h *Handle, turnID, query string) (TurnResult, error) {
	fail := func(fragments int, err error) (TurnResult, error) {
		if errors.Is(err, dialog.ErrChannelClosed) || errors.Is(err, ErrBackendTimeout) || ctx.Err() != nil {
			_ = s.invalidate(h, "turn abandoned")
		}
		return TurnResult{}, &TurnFailedError{TurnID: turnID, Fragments: fragments, Err: err}
	}

	if err := h.ch.SendText(ctx, query); err != nil {
		return fail(0, fmt.Errorf("send: %w", err))
	}
	sent := s.now()

	var (
		in, out   strings.Builder
		res       = TurnResult{TurnID: turnID, Query: query}
		fragments int
	)
	for {
		ev, err := s.next(ctx, h.ch)
		if err != nil {
			return fail(fragments, err)
		}
		if fragments == 0 {
			s.metrics.FirstResponseLatency.Record(ctx, s.now().Sub(sent).Seconds())
		}
		fragments++

		in.WriteString(ev.InputTranscript)
		out.WriteString(ev.OutputTranscript)
		if len(ev.Audio) > 0 {
			res.Audio = append(res.Audio, ev.Audio)
		}
		res.Interrupted = res.Interrupted || ev.Interrupted

		if ev.TurnComplete {
			res.InputTranscript = in.String()
			res.OutputTranscript = out.String()
			return res, nil
		}
	}
}

// next waits for one event within the response timeout.
func (s *Session) next(ctx context.Context, ch dialog.Channel) (dialog.Event, error) {
	evCtx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()

	ev, err := ch.Recv(evCtx)
	if err != nil && ctx.Err() == nil && errors.Is(evCtx.Err(), context.DeadlineExceeded) {
		return ev, fmt.Errorf("%w: no event within %s", ErrBackendTimeout, s.cfg.ResponseTimeout)
	}
	return ev, err
}

// open connects a new channel, retrying per the policy.
func (s *Session) open(ctx context.Context) (*Handle, error) {
	started := s.now()
	var ch dialog.Channel
	attempts, err := retry(ctx, s.cfg.Retry, "session.open", func(ctx context.Context) error {
		return s.guard(func() error {
			c, err := s.provider.Open(ctx, s.cfg.Dialog)
			if err != nil {
				return err
			}
			ch = c
			return nil
		})
	})
	if err != nil {
		return nil, &ConnectionError{Attempts: attempts, Err: err}
	}

	s.metrics.SessionStartDuration.Record(ctx, s.now().Sub(started).Seconds())
	h := &Handle{ID: uuid.NewString(), OpenedAt: s.now(), ch: ch}
	observe.Logger(ctx).Info("session started", "session_id", h.ID, "attempts", attempts)
	return h, nil
}

func (s *Session) guard(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(fn)
}

// reopen opens a replacement channel for a turn whose channel dropped. The
// caller holds the TurnLock.
func (s *Session) reopen(ctx context.Context) (*Handle, error) {
	h, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	return s.install(h), nil
}

// install makes h current unless another channel was installed meanwhile,
// in which case h is closed and the existing handle returned.
func (s *Session) install(h *Handle) *Handle {
	s.mu.Lock()
	if cur := s.handle; cur != nil {
		s.mu.Unlock()
		_ = h.ch.Close()
		return cur
	}
	s.handle = h
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	return h
}

// invalidate closes h if it is still current. Stale handles are ignored.
func (s *Session) invalidate(h *Handle, reason string) error {
	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return nil
	}
	s.handle = nil
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(context.Background(), -1)
	err := h.ch.Close()
	observe.Logger(context.Background()).Info("session closed", "session_id", h.ID, "reason", reason)
	if err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	return nil
}
