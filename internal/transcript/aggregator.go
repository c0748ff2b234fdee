// Package transcript turns recognition results into conversation turns.
//
// [Aggregator] is a two-state machine (Idle, Listening) fed with ordered
// [stt.Result] values. Interim results replace the current hypothesis; a
// final result closes the utterance and yields exactly one [Turn] whose
// query is the final text. [ExitMatcher] decides whether a turn asks to end
// the conversation.
package transcript

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

// ErrUtteranceIncomplete reports that a result stream ended while an
// utterance was still open. It is advisory: the caller decides whether to
// discard the hypothesis or retry.
var ErrUtteranceIncomplete = errors.New("transcript: utterance incomplete")

// State is the aggregator state.
type State int

const (
	// Idle means no utterance is open.
	Idle State = iota
	// Listening means an utterance is open and being refined.
	Listening
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Turn is one finalized utterance.
type Turn struct {
	// Query is the text of the final result that closed the utterance.
	Query string

	// SubmittedAt is when the final result was fed in.
	SubmittedAt time.Time

	// Seq is the sequence number of the final result.
	Seq uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source used for Turn.SubmittedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator converts a result stream into turns. It holds no lock; feed it
// from a single goroutine.
type Aggregator struct {
	state      State
	hypothesis string
	now        func() time.Time
}

// NewAggregator returns an Idle aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Feed applies one result. It returns a Turn and true when r is final.
// Results are applied in arrival order. Seq is carried into the Turn and
// never compared.
func (a *Aggregator) Feed(r stt.Result) (Turn, bool) {
	if !r.IsFinal {
		a.state = Listening
		a.hypothesis = r.Text
		return Turn{}, false
	}

	turn := Turn{Query: r.Text, SubmittedAt: a.now(), Seq: r.Seq}
	a.state = Idle
	a.hypothesis = ""
	return turn, true
}

// End marks the end of the result stream. It returns an error matching
// ErrUtteranceIncomplete when an utterance was still open, and resets the
// aggregator either way so it can serve the next stream.
func (a *Aggregator) End() error {
	open, hyp := a.state == Listening, a.hypothesis
	a.Reset()
	if open {
		return fmt.Errorf("%w: last hypothesis %q", ErrUtteranceIncomplete, hyp)
	}
	return nil
}

// State returns the current state.
func (a *Aggregator) State() State { return a.state }

// Hypothesis returns the current interim text, empty when Idle.
func (a *Aggregator) Hypothesis() string { return a.hypothesis }

// Reset discards any open utterance.
func (a *Aggregator) Reset() {
	a.state = Idle
	a.hypothesis = ""
}
