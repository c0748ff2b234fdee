package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection matches every [ConnectionError].
	ErrConnection = errors.New("session: connection failed")

	// ErrNotStarted is returned by operations that need an open session when
	// none is open, either because Start was never called or because the
	// channel was invalidated. Calling Start again recovers.
	ErrNotStarted = errors.New("session: not started")

	// ErrTurnFailed matches every [TurnFailedError].
	ErrTurnFailed = errors.New("session: turn failed")

	// ErrBackendTimeout reports that no response event arrived within the
	// configured deadline. It is always delivered inside a [TurnFailedError].
	ErrBackendTimeout = errors.New("session: backend timeout")
)

// ConnectionError reports that the dialog channel could not be opened.
// Start may be retried.
type ConnectionError struct {
	// Attempts is the number of open attempts made.
	Attempts int

	// Err is the error of the last attempt.
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: connect failed after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap exposes both ErrConnection and the underlying cause.
func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// TurnFailedError reports a failure between sending a query and the end of
// its reply. Any partial reply is discarded. The session survives unless Err
// also matches dialog.ErrChannelClosed or ErrBackendTimeout; in that case
// the next SubmitTurn fails with ErrNotStarted until Start is called.
type TurnFailedError struct {
	// TurnID identifies the failed turn in logs.
	TurnID string

	// Fragments is the number of response events received before the
	// failure.
	Fragments int

	// Err is the cause.
	Err error
}

func (e *TurnFailedError) Error() string {
	return fmt.Sprintf("session: turn %s failed after %d fragment(s): %v", e.TurnID, e.Fragments, e.Err)
}

// Unwrap exposes both ErrTurnFailed and the underlying cause.
func (e *TurnFailedError) Unwrap() []error { return []error{ErrTurnFailed, e.Err} }
