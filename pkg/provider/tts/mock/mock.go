// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio fragments to consumers and to verify
// which requests reached the synthesis backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	    Format: audio.Mono(24000),
//	}
//	stream, _ := p.Synthesize(ctx, tts.Request{Text: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the Request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of fragments emitted on every returned stream.
	Chunks [][]byte

	// Format is the declared stream format. Zero means mono 24 kHz.
	Format audio.Format

	// SynthesizeErr, if non-nil, is returned from Synthesize instead of a
	// stream.
	SynthesizeErr error

	// StreamErr, if non-nil, ends every stream early with this error after
	// all Chunks were delivered.
	StreamErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns a stream of Chunks.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	f := p.Format
	if f.SampleRate == 0 {
		f = audio.Mono(audio.SynthesisSampleRate)
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	streamErr := p.StreamErr
	p.mu.Unlock()

	s := tts.NewStream(f, len(chunks)+1)
	for _, c := range chunks {
		s.Send(ctx, c)
	}
	s.Finish(streamErr)
	return s, nil
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Texts returns the text of every recorded request. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Req.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
