// Package mock provides an in-memory [audio.Sink] for tests.
//
// Sink records every fragment written to it and every Drain and Clear call so
// that tests can assert on playback order and atomicity.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Sink is a mock implementation of [audio.Sink] and [audio.Clearer].
type Sink struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every Write call. The fragment is
	// not recorded.
	WriteErr error

	// DrainErr, if non-nil, is returned by every Drain call.
	DrainErr error

	// BlockDrain makes Drain wait for its context and return its error, as a
	// device that never finishes playing would.
	BlockDrain bool

	// OnWrite, if set, is called with each fragment before it is recorded.
	OnWrite func(pcm []byte)

	// --- Call records ---

	// Fragments records a copy of every successfully written fragment.
	Fragments [][]byte

	// DrainCalls is the number of Drain calls.
	DrainCalls int

	// ClearCalls is the number of Clear calls.
	ClearCalls int
}

// Write records a copy of pcm.
func (s *Sink) Write(pcm []byte) error {
	if s.OnWrite != nil {
		s.OnWrite(pcm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Fragments = append(s.Fragments, cp)
	return nil
}

// Drain records the call and returns DrainErr.
func (s *Sink) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.DrainCalls++
	block, err := s.BlockDrain, s.DrainErr
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// Clear records the call. Recorded fragments are kept so tests can still
// inspect what was played before the interruption.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCalls++
}

// Played returns all recorded fragments concatenated. Thread-safe.
func (s *Sink) Played() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, f := range s.Fragments {
		out = append(out, f...)
	}
	return out
}

// FragmentCount returns the number of recorded fragments. Thread-safe.
func (s *Sink) FragmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Fragments)
}

// Counts returns the Drain and Clear call counts. Thread-safe.
func (s *Sink) Counts() (drains, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DrainCalls, s.ClearCalls
}

var (
	_ audio.Sink    = (*Sink)(nil)
	_ audio.Clearer = (*Sink)(nil)
)
