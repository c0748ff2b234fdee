package gemini

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

func audioResponse(mime string, data []byte) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{MIMEType: mime, Data: data}},
			}},
		}},
	}
}

func TestSampleRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		want int
	}{
		{mime: "audio/L16;codec=pcm;rate=24000", want: 24000},
		{mime: "audio/pcm; rate=16000", want: 16000},
		{mime: "audio/pcm", want: 24000},
		{mime: "audio/pcm;rate=abc", want: 24000},
	}
	for _, tc := range tests {
		if got := sampleRate(tc.mime); got != tc.want {
			t.Errorf("sampleRate(%q): want %d, got %d", tc.mime, tc.want, got)
		}
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	var gotModel, gotText, gotVoice string
	p := &Provider{model: "tts-model", voice: defaultVoice}
	p.generate = func(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		gotModel = model
		gotText = contents[0].Parts[0].Text
		gotVoice = cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName
		return audioResponse("audio/L16;codec=pcm;rate=24000", []byte{1, 2, 3, 4}), nil
	}

	s, err := p.Synthesize(context.Background(), tts.Request{Text: "hello", Style: "cheerful"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	pcm, err := tts.Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(pcm) != 4 {
		t.Errorf("want 4 bytes, got %d", len(pcm))
	}
	if s.Format.SampleRate != 24000 || s.Format.Channels != 1 {
		t.Errorf("want mono 24 kHz, got %v", s.Format)
	}
	if gotModel != "tts-model" {
		t.Errorf("want tts-model, got %s", gotModel)
	}
	if gotText != "Say in a cheerful tone: hello" {
		t.Errorf("unexpected prompt %q", gotText)
	}
	if gotVoice != defaultVoice {
		t.Errorf("want default voice, got %s", gotVoice)
	}
}

func TestSynthesize_EmptyTextSkipsBackend(t *testing.T) {
	t.Parallel()

	called := false
	p := &Provider{model: defaultModel, voice: defaultVoice}
	p.generate = func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		called = true
		return nil, nil
	}
	s, err := p.Synthesize(context.Background(), tts.Request{Text: "  "})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if pcm, _ := tts.Collect(context.Background(), s); len(pcm) != 0 {
		t.Errorf("want empty audio, got %d bytes", len(pcm))
	}
	if called {
		t.Error("backend must not be called for empty text")
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		err  error
	}{
		{name: "backend error", err: boom},
		{name: "no audio", resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "x"}}}}}}},
		{name: "nil response"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &Provider{model: defaultModel, voice: defaultVoice}
			p.generate = func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
				return tc.resp, tc.err
			}
			_, err := p.Synthesize(context.Background(), tts.Request{Text: "hi", Voice: "Kore"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Errorf("want wrapped %v, got %v", tc.err, err)
			}
		})
	}
}
