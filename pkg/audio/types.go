// Package audio holds the PCM plumbing shared by capture, recognition and
// playback: the [CaptureQueue] that bridges a realtime device callback to a
// pull-based consumer, the [Sink] abstraction for playback, and the WAV
// hand-off artifact written between synthesis and playback.
//
// All PCM in this package is little-endian signed 16-bit.
package audio

import (
	"context"
	"fmt"
	"time"
)

// BytesPerSample is the size of one 16-bit PCM sample.
const BytesPerSample = 2

// Common sample rates used across the pipeline.
const (
	// CaptureSampleRate is the default microphone rate fed to recognition.
	CaptureSampleRate = 16000

	// SynthesisSampleRate is the rate synthesis backends declare for their
	// raw PCM output.
	SynthesisSampleRate = 24000
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns a single-channel format at rate.
func Mono(rate int) Format {
	return Format{SampleRate: rate, Channels: 1}
}

// BytesPerSecond returns the byte rate of f for 16-bit PCM.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// Duration returns how long n bytes of PCM in format f play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Frame is one block of captured PCM. Frames are immutable once handed to a
// [CaptureQueue]; the queue copies the bytes on Push.
type Frame struct {
	// Data is raw PCM in the queue's [Format].
	Data []byte

	// CapturedAt is the wall-clock time the first byte of Data was captured.
	CapturedAt time.Time
}

// Sink plays back PCM. Write hands over one complete fragment and must not
// retain a partially-written fragment on error; a fragment is the atomic unit
// of playback. Drain blocks until everything written so far has been played
// or ctx is done.
type Sink interface {
	Write(pcm []byte) error
	Drain(ctx context.Context) error
}

// Clearer is implemented by sinks that can discard queued but not yet played
// audio, e.g. when the backend reports the reply was interrupted.
type Clearer interface {
	Clear()
}
