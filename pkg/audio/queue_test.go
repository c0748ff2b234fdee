package audio_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
)

func newQueue(opts ...audio.QueueOption) *audio.CaptureQueue {
	return audio.NewCaptureQueue(audio.Mono(audio.CaptureSampleRate), opts...)
}

// mustPull pulls with a short deadline and fails the test on error.
func mustPull(t *testing.T, q *audio.CaptureQueue) audio.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	return f
}

// ─── TestPull_CoalescesInOrder ───────────────────────────────────────────────

func TestPull_CoalescesInOrder(t *testing.T) {
	t.Parallel()

	q := newQueue()
	q.Push([]byte("AA"))
	q.Push([]byte("BB"))
	q.Push([]byte("CC"))

	got := mustPull(t, q)
	if string(got.Data) != "AABBCC" {
		t.Fatalf("want %q, got %q", "AABBCC", got.Data)
	}
	if q.Len() != 0 {
		t.Fatalf("want empty queue after pull, got %d bytes", q.Len())
	}
}

// ─── TestPush_CopiesCallerBuffer ─────────────────────────────────────────────

func TestPush_CopiesCallerBuffer(t *testing.T) {
	t.Parallel()

	q := newQueue()
	buf := []byte("AB")
	q.Push(buf)
	buf[0], buf[1] = 'X', 'Y'

	if got := mustPull(t, q); string(got.Data) != "AB" {
		t.Fatalf("want %q, got %q", "AB", got.Data)
	}
}

// ─── TestPull_BlocksUntilPush ────────────────────────────────────────────────

func TestPull_BlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := newQueue()
	got := make(chan audio.Frame, 1)
	go func() {
		f, err := q.Pull(context.Background())
		if err == nil {
			got <- f
		}
	}()

	select {
	case <-got:
		t.Fatal("Pull returned before any frame was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push([]byte("hi"))
	select {
	case f := <-got:
		if string(f.Data) != "hi" {
			t.Fatalf("want %q, got %q", "hi", f.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Pull did not return after Push")
	}
}

// ─── TestPull_CapturedAtIsOldestFrame ────────────────────────────────────────

func TestPull_CapturedAtIsOldestFrame(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	q := newQueue(audio.WithClock(clock))
	q.Push([]byte("a"))
	q.Push([]byte("b"))

	got := mustPull(t, q)
	if want := base.Add(time.Second); !got.CapturedAt.Equal(want) {
		t.Fatalf("CapturedAt: want %v, got %v", want, got.CapturedAt)
	}
}

// ─── TestClose ───────────────────────────────────────────────────────────────

func TestClose_UnblocksPendingPull(t *testing.T) {
	t.Parallel()

	q := newQueue()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pull(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, audio.ErrEndOfStream) {
			t.Fatalf("want ErrEndOfStream, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Pull")
	}
}

func TestClose_PullReturnsEndOfStreamForever(t *testing.T) {
	t.Parallel()

	q := newQueue()
	q.Push([]byte("stale"))
	q.Close()
	q.Close()

	for i := range 3 {
		if _, err := q.Pull(context.Background()); !errors.Is(err, audio.ErrEndOfStream) {
			t.Fatalf("pull %d: want ErrEndOfStream, got %v", i, err)
		}
	}
}

func TestClose_PushAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	q := newQueue()
	q.Close()
	q.Push([]byte("late"))

	if q.Len() != 0 {
		t.Fatalf("want 0 bytes queued after close, got %d", q.Len())
	}
	if !q.Closed() {
		t.Fatal("want Closed() = true")
	}
}

func TestCloseWithError_SurfacesDeviceFailure(t *testing.T) {
	t.Parallel()

	deviceErr := errors.New("device unplugged")
	q := newQueue()
	q.CloseWithError(deviceErr)
	q.CloseWithError(errors.New("second close ignored"))

	if _, err := q.Pull(context.Background()); !errors.Is(err, deviceErr) {
		t.Fatalf("want device error, got %v", err)
	}
}

// ─── TestPull_ContextCancel ──────────────────────────────────────────────────

func TestPull_ContextCancel(t *testing.T) {
	t.Parallel()

	q := newQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := q.Pull(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

// ─── TestPush_MemoryBound ────────────────────────────────────────────────────

func TestPush_MemoryBound(t *testing.T) {
	t.Parallel()

	q := newQueue(audio.WithMaxBufferedBytes(4))
	q.Push([]byte("AA"))
	q.Push([]byte("BB"))
	q.Push([]byte("CC")) // over the bound

	if got := q.Dropped(); got != 1 {
		t.Fatalf("want 1 dropped frame, got %d", got)
	}
	if got := mustPull(t, q); string(got.Data) != "AABB" {
		t.Fatalf("want %q, got %q", "AABB", got.Data)
	}

	// Space is available again once drained.
	q.Push([]byte("DD"))
	if got := mustPull(t, q); string(got.Data) != "DD" {
		t.Fatalf("want %q, got %q", "DD", got.Data)
	}
}

// ─── TestConcurrentProducers_PreserveOrderPerProducer ────────────────────────

func TestConcurrentProducers_PreserveOrderPerProducer(t *testing.T) {
	t.Parallel()

	const producers = 4
	const perProducer = 200

	q := newQueue(audio.WithMaxBufferedBytes(0))

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				// Fixed-width records so the coalesced stream can be split.
				q.Push(fmt.Appendf(nil, "%d:%04d;", p, i))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var all bytes.Buffer
	ctx := context.Background()
collect:
	for {
		select {
		case <-done:
			if q.Len() == 0 {
				break collect
			}
		default:
		}
		pctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		f, err := q.Pull(pctx)
		cancel()
		if err != nil {
			continue
		}
		all.Write(f.Data)
	}

	next := make([]int, producers)
	records := bytes.Split(bytes.TrimSuffix(all.Bytes(), []byte(";")), []byte(";"))
	if len(records) != producers*perProducer {
		t.Fatalf("want %d records, got %d", producers*perProducer, len(records))
	}
	for _, r := range records {
		var p, i int
		if _, err := fmt.Sscanf(string(r), "%d:%d", &p, &i); err != nil {
			t.Fatalf("bad record %q: %v", r, err)
		}
		if i != next[p] {
			t.Fatalf("producer %d: want record %d, got %d (lost, duplicated or reordered)", p, next[p], i)
		}
		next[p]++
	}
}
