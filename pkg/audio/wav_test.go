package audio_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voxloop/pkg/audio"
)

func TestWriteWAV_RoundTripsFormat(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{0, 1000, -1000, 32767})
	var buf bytes.Buffer
	if err := audio.WriteWAV(&buf, pcm, audio.Mono(audio.SynthesisSampleRate)); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	if buf.Len() != 44+len(pcm) {
		t.Fatalf("want %d bytes, got %d", 44+len(pcm), buf.Len())
	}

	f, data, err := audio.ReadWAVFormat(&buf)
	if err != nil {
		t.Fatalf("ReadWAVFormat: %v", err)
	}
	if f != audio.Mono(24000) {
		t.Fatalf("format: want 24000Hz mono, got %s", f)
	}
	if !bytes.Equal(data, pcm) {
		t.Fatalf("payload mismatch: want %v, got %v", pcm, data)
	}
}

// A header declaring the wrong rate is not an error anywhere in the chain; the
// audio simply plays at the wrong pitch. This pins the declared rate so a
// regression shows up here instead of as a chipmunk voice.
func TestWriteWAV_DeclaresSynthesisRate(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, audio.SynthesisSampleRate*audio.BytesPerSample) // 1s of silence
	var buf bytes.Buffer
	if err := audio.WriteWAV(&buf, pcm, audio.Mono(audio.SynthesisSampleRate)); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	raw := buf.Bytes()

	if got := binary.LittleEndian.Uint32(raw[24:28]); got != 24000 {
		t.Fatalf("sample rate: want 24000, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(raw[28:32]); got != 48000 {
		t.Fatalf("byte rate: want 48000, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(raw[34:36]); got != 16 {
		t.Fatalf("bits per sample: want 16, got %d", got)
	}

	// Declaring the capture rate instead stretches one second of audio to 1.5s.
	f := audio.Mono(audio.CaptureSampleRate)
	if got := f.Duration(len(pcm)); got.Seconds() != 1.5 {
		t.Fatalf("mismatched rate duration: want 1.5s, got %v", got)
	}
}

func TestWriteWAV_InvalidFormat(t *testing.T) {
	t.Parallel()

	if err := audio.WriteWAV(&bytes.Buffer{}, nil, audio.Format{}); err == nil {
		t.Fatal("want error for zero format")
	}
}

func TestReadWAVFormat_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, _, err := audio.ReadWAVFormat(bytes.NewReader(bytes.Repeat([]byte("x"), 64)))
	if !errors.Is(err, audio.ErrNotWAV) {
		t.Fatalf("want ErrNotWAV, got %v", err)
	}
	_, _, err = audio.ReadWAVFormat(bytes.NewReader([]byte("RIFF")))
	if !errors.Is(err, audio.ErrNotWAV) {
		t.Fatalf("want ErrNotWAV for short input, got %v", err)
	}
}

func TestFileSink_PersistsOneReplyPerDrain(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reply.wav")
	sink := audio.NewFileSink(path, audio.Mono(audio.SynthesisSampleRate))

	_ = sink.Write([]byte{1, 0})
	_ = sink.Write([]byte{2, 0})
	if err := sink.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	format, data, err := audio.ReadWAVFormat(f)
	if err != nil {
		t.Fatalf("ReadWAVFormat: %v", err)
	}
	if format.SampleRate != 24000 {
		t.Fatalf("want 24000, got %d", format.SampleRate)
	}
	if !bytes.Equal(data, []byte{1, 0, 2, 0}) {
		t.Fatalf("payload: got %v", data)
	}

	// An empty drain keeps the previous artifact.
	if err := sink.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if st, err := os.Stat(path); err != nil || st.Size() != 48 {
		t.Fatalf("want previous 48-byte file kept, got %v, %v", st, err)
	}
}

func TestMultiSink_FansOutAndClears(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := audio.NewFileSink(filepath.Join(dir, "a.wav"), audio.Mono(16000))
	b := audio.NewFileSink(filepath.Join(dir, "b.wav"), audio.Mono(16000))
	m := audio.MultiSink(a, b)

	if err := m.Write([]byte{9, 9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m.(audio.Clearer).Clear()
	if err := m.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.wav")); !os.IsNotExist(err) {
		t.Fatalf("want no file after Clear, got %v", err)
	}
}
