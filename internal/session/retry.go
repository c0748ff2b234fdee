package session

import (
	"context"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 1
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// RetryPolicy controls how the session reacts to transport failures. The
// zero value makes one attempt and never resends a turn.
type RetryPolicy struct {
	// MaxAttempts is the number of open attempts per Start, and per reopen
	// when a turn is resent. Values below 1 mean 1.
	MaxAttempts int

	// Backoff is the delay before the second attempt. It doubles for each
	// further attempt up to MaxBackoff. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration

	// ResendOnDrop reopens the channel and sends the query once more when
	// the channel closes before any response event of the turn arrived.
	// Turns that already produced output are never resent.
	ResendOnDrop bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// delay returns the wait before attempt n (n >= 2).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff
	for i := 2; i < n; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// retry calls fn until it succeeds, the attempts are exhausted, or ctx is
// done. It returns the number of attempts made and the last error.
func retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) (int, error) {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := p.delay(attempt)
			slog.Info("retrying", "op", op, "attempt", attempt, "max_attempts", p.MaxAttempts, "backoff", wait)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return attempt - 1, err
			case <-t.C:
			}
		}
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		slog.Warn("attempt failed", "op", op, "attempt", attempt, "err", err)
		if ctx.Err() != nil {
			return attempt, err
		}
	}
	return p.MaxAttempts, err
}
