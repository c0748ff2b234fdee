package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian PCM.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian PCM to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, want, got []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length: want %d, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, -200})))
	equalSamples(t, []int16{100, 100, -200, -200}, got)
}

func TestStereoToMono(t *testing.T) {
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, 32767, 32767})))
	equalSamples(t, []int16{150, 32767}, got)
}

func TestResampleMono16(t *testing.T) {
	tests := []struct {
		name     string
		src, dst int
		in       []int16
		wantLen  int
	}{
		{name: "same rate", src: 16000, dst: 16000, in: []int16{1, 2, 3, 4}, wantLen: 4},
		{name: "upsample 16k to 24k", src: 16000, dst: 24000, in: make([]int16, 160), wantLen: 240},
		{name: "downsample 24k to 16k", src: 24000, dst: 16000, in: make([]int16, 240), wantLen: 160},
		{name: "invalid rate", src: 0, dst: 16000, in: []int16{1, 2}, wantLen: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := audio.ResampleMono16(samplesToBytes(tc.in), tc.src, tc.dst)
			if got := len(out) / 2; got != tc.wantLen {
				t.Fatalf("want %d samples, got %d", tc.wantLen, got)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{0, 100}), 1, 2))
	equalSamples(t, []int16{0, 50, 100, 100}, got)
}

func TestConvert(t *testing.T) {
	mono16 := audio.Mono(16000)
	stereo16 := audio.Format{SampleRate: 16000, Channels: 2}
	mono24 := audio.Mono(24000)

	in := samplesToBytes([]int16{10, 20, 30, 40})
	if got := audio.Convert(in, mono16, mono16); &got[0] != &in[0] {
		t.Fatal("want identical slice for matching formats")
	}
	if got := audio.Convert(in, mono16, stereo16); len(got) != 2*len(in) {
		t.Fatalf("mono->stereo: want %d bytes, got %d", 2*len(in), len(got))
	}
	if got := audio.Convert(in, stereo16, mono16); len(got) != len(in)/2 {
		t.Fatalf("stereo->mono: want %d bytes, got %d", len(in)/2, len(got))
	}
	if got := audio.Convert(in, mono16, mono24); len(got) != 12 {
		t.Fatalf("16k->24k: want 12 bytes, got %d", len(got))
	}
}
