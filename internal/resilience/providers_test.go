package resilience_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/dialog"
	dialogmock "github.com/MrWong99/voxloop/pkg/provider/dialog/mock"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxloop/pkg/provider/stt/mock"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxloop/pkg/provider/tts/mock"
)

var errDown = errors.New("backend down")

// ─── TestSynthesizerFallback ─────────────────────────────────────────────────

func TestSynthesizerFallback(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errDown}
	secondary := &ttsmock.Provider{Chunks: [][]byte{{1, 2}, {3, 4}}, Format: audio.Mono(22050)}

	fb := resilience.NewSynthesizerFallback(primary, "primary", resilience.FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	stream, err := fb.Synthesize(context.Background(), tts.Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if stream.Format.SampleRate != 22050 {
		t.Errorf("want fallback format 22050Hz, got %v", stream.Format)
	}
	pcm, err := tts.Collect(context.Background(), stream)
	if err != nil || len(pcm) != 4 {
		t.Fatalf("want 4 bytes, got %d (%v)", len(pcm), err)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("want one call each, got %d and %d", primary.CallCount(), secondary.CallCount())
	}
}

// ─── TestRecognizerFallback ──────────────────────────────────────────────────

func TestRecognizerFallback(t *testing.T) {
	t.Parallel()

	sess := sttmock.NewSession()
	primary := &sttmock.Provider{StartStreamErr: errDown}
	secondary := &sttmock.Provider{Session: sess}

	fb := resilience.NewRecognizerFallback(primary, "primary", resilience.FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	h, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if h != stt.SessionHandle(sess) {
		t.Fatal("want the secondary's session")
	}
}

// ─── TestDialogFallback ──────────────────────────────────────────────────────

func TestDialogFallback(t *testing.T) {
	t.Parallel()

	primary := &dialogmock.Provider{OpenErr: errDown}
	secondary := &dialogmock.Provider{OpenErr: errDown}

	fb := resilience.NewDialogFallback(primary, "primary", resilience.FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Open(context.Background(), dialog.Config{})
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, errDown) {
		t.Fatalf("want ErrAllFailed wrapping errDown, got %v", err)
	}
	if primary.OpenCount() != 1 || secondary.OpenCount() != 1 {
		t.Fatalf("want both backends tried once, got %d and %d", primary.OpenCount(), secondary.OpenCount())
	}
}
