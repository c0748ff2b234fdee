package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/pkg/provider/dialog"
	"github.com/MrWong99/voxloop/pkg/provider/dialog/mock"
)

// ─── TestStream_SendRecv ─────────────────────────────────────────────────────

func TestStream_SendRecv(t *testing.T) {
	t.Parallel()

	ch := mock.NewChannel()
	s := started(t, &mock.Provider{Channels: []dialog.Channel{ch}}, session.Config{})
	ctx := withTimeout(t)

	st, err := s.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer st.Close()

	if st.Handle() != s.Handle() {
		t.Fatal("want stream bound to the current handle")
	}
	if err := st.SendAudio(ctx, []byte{1, 2}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if ch.AudioCount() != 1 {
		t.Fatalf("want 1 chunk forwarded, got %d", ch.AudioCount())
	}

	ch.Emit(dialog.Event{Audio: []byte{9}})
	ev, err := st.Recv(ctx)
	if err != nil || len(ev.Audio) != 1 {
		t.Fatalf("want audio event, got %+v (%v)", ev, err)
	}
}

// ─── TestStream_HoldsTurnLock ────────────────────────────────────────────────

func TestStream_HoldsTurnLock(t *testing.T) {
	t.Parallel()

	s := started(t, &mock.Provider{NewReply: replyWith("ok")}, session.Config{})

	st, err := s.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.OpenStream(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want second stream to wait for the lock, got %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !s.Started() {
		t.Fatal("closing a stream must keep the channel open")
	}

	st2, err := s.OpenStream(withTimeout(t))
	if err != nil {
		t.Fatalf("want lock free after Close, got %v", err)
	}
	_ = st2.Close()
}

// ─── TestStream_ChannelClosed ────────────────────────────────────────────────

func TestStream_ChannelClosed(t *testing.T) {
	t.Parallel()

	ch := mock.NewChannel()
	s := started(t, &mock.Provider{Channels: []dialog.Channel{ch}}, session.Config{})

	st, err := s.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer st.Close()

	ch.CloseRemote()
	if _, err := st.Recv(withTimeout(t)); !errors.Is(err, dialog.ErrChannelClosed) {
		t.Fatalf("want ErrChannelClosed, got %v", err)
	}
	if s.Started() {
		t.Fatal("want handle invalidated")
	}
	if err := st.SendAudio(context.Background(), []byte{1}); !errors.Is(err, dialog.ErrChannelClosed) {
		t.Fatalf("want ErrChannelClosed from SendAudio, got %v", err)
	}
}

// ─── TestStop_WaitsForStream ─────────────────────────────────────────────────

func TestStop_WaitsForStream(t *testing.T) {
	t.Parallel()

	ch := mock.NewChannel()
	s := started(t, &mock.Provider{Channels: []dialog.Channel{ch}}, session.Config{})

	st, err := s.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	ctx := withTimeout(t)
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(ctx) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the stream held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	_ = st.Close()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the stream closed")
	}
	if !ch.Closed() {
		t.Fatal("want channel closed")
	}
}
