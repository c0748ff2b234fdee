// Package tts defines the synthesis backend interface.
//
// A synthesis backend turns reply text into 16-bit linear PCM. Backends that
// return one complete buffer and backends that stream fragments are exposed
// the same way: as a [Stream] of fragments in playback order, tagged with the
// PCM format the backend declares. Playing a stream at any other rate is a
// silent pitch distortion, so consumers must convert using [Stream.Format].
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Request describes one synthesis call.
type Request struct {
	// Text is the text to speak.
	Text string

	// Voice is a backend-specific voice name or ID. Empty selects the
	// backend default.
	Voice string

	// Language is a BCP-47 tag. Empty selects the backend default.
	Language string

	// Style is a free-form delivery hint (e.g. "cheerful"). Backends without
	// style control ignore it.
	Style string
}

// Provider is the abstraction over any synthesis backend.
type Provider interface {
	// Synthesize starts synthesis of req. A non-nil error means nothing was
	// started. Failures after start close the stream early and are reported
	// by [Stream.Err].
	Synthesize(ctx context.Context, req Request) (*Stream, error)
}

// Stream is the audio of one synthesis call.
type Stream struct {
	// Format is the declared PCM format of every fragment.
	Format audio.Format

	ch   chan []byte
	mu   sync.Mutex
	err  error
	once sync.Once
}

// NewStream returns an open stream in format f with the given buffer size.
// The producer sends with [Stream.Send] and must call [Stream.Finish].
func NewStream(f audio.Format, buffer int) *Stream {
	return &Stream{Format: f, ch: make(chan []byte, buffer)}
}

// StreamOf returns a finished stream holding the single buffer pcm.
func StreamOf(f audio.Format, pcm []byte) *Stream {
	s := NewStream(f, 1)
	if len(pcm) > 0 {
		s.ch <- pcm
	}
	s.Finish(nil)
	return s
}

// Audio returns the fragment channel. It is closed after the last fragment.
func (s *Stream) Audio() <-chan []byte { return s.ch }

// Send delivers one fragment. It returns false when ctx is done first.
func (s *Stream) Send(ctx context.Context, pcm []byte) bool {
	select {
	case s.ch <- pcm:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish closes the stream, recording err as the reason when non-nil.
// Only the first call has an effect.
func (s *Stream) Finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// Err reports why the stream ended early. It is meaningful once Audio is
// closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Collect reads the whole stream into one buffer.
func Collect(ctx context.Context, s *Stream) ([]byte, error) {
	var out []byte
	for {
		select {
		case pcm, ok := <-s.Audio():
			if !ok {
				return out, s.Err()
			}
			out = append(out, pcm...)
		case <-ctx.Done():
			go audio.Drain(s.Audio())
			return out, ctx.Err()
		}
	}
}
