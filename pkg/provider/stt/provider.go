// Package stt defines the recognition backend interface consumed by the
// conversation loop.
//
// A recognition session accepts raw PCM blocks in a format fixed for the
// lifetime of the session and emits a single ordered stream of [Result]
// values. Interim results carry the provider's current cumulative hypothesis
// for the open utterance; a result with IsFinal set closes the utterance.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session closed")

// Result is one recognition event.
type Result struct {
	// Text is the cumulative hypothesis for the current utterance. Interim
	// results replace each other; they are not deltas.
	Text string

	// IsFinal marks the end of the utterance. Text is then authoritative.
	IsFinal bool

	// Seq orders the results of one utterance and never decreases within
	// it. A final may repeat the marker of the last interim. Recognizers may
	// restart Seq for every utterance; consumers must not compare it across
	// utterances.
	Seq uint64

	// Confidence is the provider's confidence (0.0 to 1.0), zero if unknown.
	Confidence float64

	// ReceivedAt is when the event arrived from the provider.
	ReceivedAt time.Time
}

// KeywordBoost biases recognition towards a word the model is likely to
// mishear, such as a product or person name.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// StreamConfig describes the audio format and recognition options for a new
// session. Every field is passed through to the provider unchanged; providers
// ignore options they have no equivalent for.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the PCM channel count.
	Channels int

	// Language is a BCP-47 tag (e.g. "en-US").
	Language string

	// Model selects a provider model (e.g. "nova-3", "telephony").
	Model string

	// Enhanced requests the provider's enhanced model tier where one exists.
	Enhanced bool

	// InterimResults enables interim hypotheses.
	InterimResults bool

	// EndpointingMs is the trailing silence after which the provider closes
	// an utterance. Zero keeps the provider default.
	EndpointingMs int

	// Keywords lists vocabulary hints.
	Keywords []KeywordBoost
}

// SessionHandle is an open streaming recognition session.
type SessionHandle interface {
	// SendAudio forwards one PCM block. It returns [ErrSessionClosed] (possibly
	// wrapped) once the session has ended.
	SendAudio(chunk []byte) error

	// Results returns the ordered result stream. The channel is closed when
	// the session ends for any reason.
	Results() <-chan Result

	// Err reports why the session ended. It is nil while the session is live
	// and after a clean Close.
	Err() error

	// Close flushes pending audio and ends the session. Safe to call more
	// than once.
	Close() error
}

// Provider opens recognition sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
