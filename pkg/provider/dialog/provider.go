// Package dialog defines the conversational backend interface.
//
// A dialog backend holds one long-lived bidirectional Channel per session.
// Text queries (turn mode) or raw PCM (duplex mode) go in; a stream of
// [Event] values comes out. An Event carries any combination of an input
// transcription fragment, an output transcription fragment and a chunk of
// synthesized audio, plus the turn-complete and interrupted markers.
//
// Events carry no turn identifier. A consumer that abandons a turn before
// its TurnComplete event must discard the channel, otherwise the remaining
// events of the abandoned turn are indistinguishable from the next turn's.
package dialog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChannelClosed is returned by Recv (possibly wrapped) once the
	// backend or the caller has closed the channel.
	ErrChannelClosed = errors.New("dialog: channel closed")

	// ErrNotSupported is returned by operations a backend cannot perform,
	// such as streaming audio into a text-only model.
	ErrNotSupported = errors.New("dialog: operation not supported")
)

// Sensitivity is the voice activity detection sensitivity level.
type Sensitivity string

const (
	SensitivityDefault Sensitivity = ""
	SensitivityLow     Sensitivity = "low"
	SensitivityHigh    Sensitivity = "high"
)

// ActivityDetection configures the backend's automatic voice activity
// detection for realtime audio input.
type ActivityDetection struct {
	// Disabled turns server-side activity detection off.
	Disabled bool

	// StartSensitivity controls how eagerly speech start is detected.
	StartSensitivity Sensitivity

	// EndSensitivity controls how eagerly speech end is detected.
	EndSensitivity Sensitivity

	// PrefixPadding is the speech duration required before start of speech
	// is committed.
	PrefixPadding time.Duration

	// SilenceDuration is the trailing silence required before end of speech
	// is committed.
	SilenceDuration time.Duration
}

// Voice selects the synthesized voice of the backend's spoken replies.
type Voice struct {
	Name     string
	Language string
}

// Config is the per-session backend configuration. Fields are passed
// through unchanged; backends ignore fields they have no equivalent for.
type Config struct {
	// Model is the backend model identifier.
	Model string

	// SystemInstruction is the system prompt for the session.
	SystemInstruction string

	// Voice is the voice of spoken replies.
	Voice Voice

	// AudioReplies requests audio output in addition to transcriptions.
	AudioReplies bool

	// InputTranscription asks the backend to transcribe input audio.
	InputTranscription bool

	// OutputTranscription asks the backend to transcribe its own audio.
	OutputTranscription bool

	// ProactiveAudio lets the backend decide not to answer irrelevant input.
	ProactiveAudio bool

	// AffectiveDialog enables emotion-aware replies.
	AffectiveDialog bool

	// ActivityDetection configures voice activity detection.
	ActivityDetection ActivityDetection

	// InputSampleRate is the rate of PCM sent with SendAudio.
	InputSampleRate int
}

// Event is one backend event. Fields are independent; a single event may
// carry several of them.
type Event struct {
	// InputTranscript is a fragment of the backend's transcription of the
	// user input.
	InputTranscript string

	// OutputTranscript is a fragment of the textual form of the reply.
	OutputTranscript string

	// Audio is a chunk of synthesized reply PCM.
	Audio []byte

	// TurnComplete marks the end of the backend's reply.
	TurnComplete bool

	// Interrupted reports that the user started speaking over the reply.
	Interrupted bool
}

// Empty reports whether ev carries nothing.
func (ev Event) Empty() bool {
	return ev.InputTranscript == "" && ev.OutputTranscript == "" &&
		len(ev.Audio) == 0 && !ev.TurnComplete && !ev.Interrupted
}

// Channel is an open backend session. Send methods and Recv may be called
// from different goroutines, but each must not be called concurrently with
// itself.
type Channel interface {
	// SendText submits one complete text turn.
	SendText(ctx context.Context, text string) error

	// SendAudio streams one PCM chunk as realtime input.
	SendAudio(ctx context.Context, chunk []byte) error

	// Recv blocks until the next event, ctx is done, or the channel closes.
	// After the channel closes it returns an error matching ErrChannelClosed.
	Recv(ctx context.Context) (Event, error)

	// Close ends the session. Safe to call more than once.
	Close() error
}

// Provider opens dialog channels.
type Provider interface {
	Open(ctx context.Context, cfg Config) (Channel, error)
}
