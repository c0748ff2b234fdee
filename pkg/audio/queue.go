package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrEndOfStream is returned by [CaptureQueue.Pull] once the queue has been
// closed. It is returned on every subsequent call.
var ErrEndOfStream = errors.New("audio: end of stream")

// DefaultMaxBufferedBytes bounds the memory a [CaptureQueue] may hold when no
// consumer is pulling. At 16 kHz mono this is roughly 17 minutes of audio.
const DefaultMaxBufferedBytes = 32 << 20

// QueueOption configures a [CaptureQueue].
type QueueOption func(*CaptureQueue)

// WithMaxBufferedBytes sets the memory bound of the queue. Frames pushed while
// the bound is exceeded are dropped and counted in [CaptureQueue.Dropped].
// A value <= 0 disables the bound.
func WithMaxBufferedBytes(n int) QueueOption {
	return func(q *CaptureQueue) {
		q.maxBytes = n
	}
}

// WithClock overrides the time source used to stamp pushed frames.
func WithClock(now func() time.Time) QueueOption {
	return func(q *CaptureQueue) {
		q.now = now
	}
}

// CaptureQueue bridges a realtime audio callback (producer) to a blocking,
// pull-based consumer. Push never blocks and never reorders; Pull waits for
// at least one frame and then coalesces every queued frame into one block.
//
// All methods are safe for concurrent use.
type CaptureQueue struct {
	format   Format
	maxBytes int
	now      func() time.Time

	mu     sync.Mutex
	frames []Frame
	size   int
	closed bool
	err    error

	// notify has capacity 1 and carries a "something was pushed" edge.
	notify chan struct{}
	done   chan struct{}

	dropped atomic.Int64
	warned  sync.Once
}

// NewCaptureQueue returns an empty queue for PCM in format f.
func NewCaptureQueue(f Format, opts ...QueueOption) *CaptureQueue {
	q := &CaptureQueue{
		format:   f,
		maxBytes: DefaultMaxBufferedBytes,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Format returns the PCM format of frames in this queue.
func (q *CaptureQueue) Format() Format { return q.format }

// Push copies data into the queue and returns immediately. It is meant to be
// called from a device callback that reuses its buffer. Pushing after Close,
// pushing an empty slice, or pushing past the memory bound is a silent no-op.
func (q *CaptureQueue) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	ts := q.now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.maxBytes > 0 && q.size+len(cp) > q.maxBytes {
		q.mu.Unlock()
		q.dropped.Add(1)
		q.warned.Do(func() {
			slog.Warn("capture queue full, dropping frames", "max_bytes", q.maxBytes)
		})
		return
	}
	q.frames = append(q.frames, Frame{Data: cp, CapturedAt: ts})
	q.size += len(cp)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pull blocks until at least one frame is queued, then removes every queued
// frame and returns them concatenated in push order. CapturedAt of the result
// is that of the oldest frame.
//
// After Close, Pull returns [ErrEndOfStream] (or the error given to
// [CaptureQueue.CloseWithError]) forever. If ctx is done first, ctx.Err() is
// returned and nothing is dequeued.
func (q *CaptureQueue) Pull(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if q.closed {
			err := q.err
			q.mu.Unlock()
			return Frame{}, err
		}
		if len(q.frames) > 0 {
			f := q.coalesceLocked()
			q.mu.Unlock()
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// coalesceLocked drains q.frames into one Frame. Must be called with q.mu held
// and at least one frame queued.
func (q *CaptureQueue) coalesceLocked() Frame {
	if len(q.frames) == 1 {
		f := q.frames[0]
		q.frames[0] = Frame{}
		q.frames = q.frames[:0]
		q.size = 0
		return f
	}
	out := Frame{
		Data:       make([]byte, 0, q.size),
		CapturedAt: q.frames[0].CapturedAt,
	}
	for i := range q.frames {
		out.Data = append(out.Data, q.frames[i].Data...)
		q.frames[i] = Frame{}
	}
	q.frames = q.frames[:0]
	q.size = 0
	return out
}

// Close marks the end of capture. Pending and future Pull calls return
// [ErrEndOfStream]; frames still queued are discarded. Close is idempotent.
func (q *CaptureQueue) Close() {
	q.CloseWithError(nil)
}

// CloseWithError is like Close but makes Pull return err instead of
// [ErrEndOfStream]. Device adapters use it to surface a capture failure to
// the consumer. Only the first close takes effect.
func (q *CaptureQueue) CloseWithError(err error) {
	if err == nil {
		err = ErrEndOfStream
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.frames = nil
	q.size = 0
	close(q.done)
}

// Closed reports whether Close or CloseWithError has been called.
func (q *CaptureQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of bytes currently queued.
func (q *CaptureQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many frames were rejected because the memory bound was
// exceeded.
func (q *CaptureQueue) Dropped() int64 {
	return q.dropped.Load()
}
