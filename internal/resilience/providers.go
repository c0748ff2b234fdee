package resilience

import (
	"context"

	"github.com/MrWong99/voxloop/pkg/provider/dialog"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

// RecognizerFallback implements [stt.Provider] with failover on StartStream.
// A session that fails after it started is not moved to another backend.
type RecognizerFallback struct {
	group *FallbackGroup[stt.Provider]
}

// NewRecognizerFallback returns a fallback with primary as preferred backend.
func NewRecognizerFallback(primary stt.Provider, name string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another recognition backend.
func (f *RecognizerFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// StartStream opens a session on the first healthy backend.
func (f *RecognizerFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// DialogFallback implements [dialog.Provider] with failover on Open. The
// conversation state lives in the channel, so an open channel is never moved.
type DialogFallback struct {
	group *FallbackGroup[dialog.Provider]
}

// NewDialogFallback returns a fallback with primary as preferred backend.
func NewDialogFallback(primary dialog.Provider, name string, cfg FallbackConfig) *DialogFallback {
	return &DialogFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another dialog backend.
func (f *DialogFallback) AddFallback(name string, p dialog.Provider) { f.group.AddFallback(name, p) }

// Open connects to the first healthy backend.
func (f *DialogFallback) Open(ctx context.Context, cfg dialog.Config) (dialog.Channel, error) {
	return ExecuteWithResult(ctx, f.group, func(p dialog.Provider) (dialog.Channel, error) {
		return p.Open(ctx, cfg)
	})
}

// SynthesizerFallback implements [tts.Provider] with failover on
// Synthesize. Backends may declare different formats; callers must honour
// each stream's Format.
type SynthesizerFallback struct {
	group *FallbackGroup[tts.Provider]
}

// NewSynthesizerFallback returns a fallback with primary as preferred backend.
func NewSynthesizerFallback(primary tts.Provider, name string, cfg FallbackConfig) *SynthesizerFallback {
	return &SynthesizerFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another synthesis backend.
func (f *SynthesizerFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// Synthesize starts synthesis on the first healthy backend.
func (f *SynthesizerFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (*tts.Stream, error) {
		return p.Synthesize(ctx, req)
	})
}

var (
	_ stt.Provider    = (*RecognizerFallback)(nil)
	_ dialog.Provider = (*DialogFallback)(nil)
	_ tts.Provider    = (*SynthesizerFallback)(nil)
)
