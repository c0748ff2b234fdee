package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/dialog"
)

// Stream is exclusive raw access to the open channel for full-duplex audio.
// It holds the TurnLock from OpenStream until Close, so no text turn can
// interleave with streamed audio.
//
// SendAudio and Recv may be called from different goroutines. Recv has no
// per-event timeout: in duplex mode silence is normal.
type Stream struct {
	s    *Session
	h    *Handle
	once sync.Once
}

// OpenStream acquires the TurnLock, waiting for an in-flight turn, and
// returns a Stream over the current channel.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	if !s.Started() {
		return nil, ErrNotStarted
	}
	if err := s.turnLock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("session: acquire turn lock: %w", err)
	}
	h := s.Handle()
	if h == nil {
		s.turnLock.Release(1)
		return nil, ErrNotStarted
	}
	return &Stream{s: s, h: h}, nil
}

// Handle returns the handle the stream is bound to.
func (st *Stream) Handle() *Handle { return st.h }

// SendAudio forwards one PCM chunk.
func (st *Stream) SendAudio(ctx context.Context, chunk []byte) error {
	if err := st.h.ch.SendAudio(ctx, chunk); err != nil {
		st.check(err)
		return fmt.Errorf("session: stream send: %w", err)
	}
	return nil
}

// Recv returns the next backend event.
func (st *Stream) Recv(ctx context.Context) (dialog.Event, error) {
	ev, err := st.h.ch.Recv(ctx)
	if err != nil {
		st.check(err)
		return ev, fmt.Errorf("session: stream recv: %w", err)
	}
	return ev, nil
}

// check invalidates the handle when the transport reports it closed.
func (st *Stream) check(err error) {
	if errors.Is(err, dialog.ErrChannelClosed) {
		_ = st.s.invalidate(st.h, "stream channel closed")
	}
}

// Close releases the TurnLock. The channel stays open for later turns or
// streams. Safe to call more than once.
func (st *Stream) Close() error {
	st.once.Do(func() { st.s.turnLock.Release(1) })
	return nil
}
