// Package gemini provides a synthesis backend on the Gemini speech generation
// models through the google.golang.org/genai SDK. It implements tts.Provider.
//
// The model returns the whole utterance as one 16-bit PCM buffer; the sample
// rate is taken from the response MIME type and defaults to 24 kHz.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

const (
	defaultModel = "gemini-2.5-flash-preview-tts"
	defaultVoice = "Aoede"
)

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithAPIKey selects the Gemini API backend.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithVertex selects the Vertex AI backend for project in location.
func WithVertex(project, location string) Option {
	return func(p *Provider) {
		p.project = project
		p.location = location
	}
}

// WithModel sets the speech generation model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the voice used when a request names none.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// Provider implements tts.Provider with Gemini speech generation.
type Provider struct {
	apiKey   string
	project  string
	location string
	model    string
	voice    string

	generate generateFunc
}

// New creates a Provider and its genai client. Unset credentials fall back
// to GOOGLE_API_KEY, GOOGLE_CLOUD_PROJECT and GOOGLE_CLOUD_REGION.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(p)
	}
	if p.apiKey == "" && p.project == "" {
		p.apiKey = os.Getenv("GOOGLE_API_KEY")
		p.project = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if p.location == "" {
		p.location = os.Getenv("GOOGLE_CLOUD_REGION")
	}

	cc := &genai.ClientConfig{}
	switch {
	case p.apiKey != "":
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = p.apiKey
	case p.project != "":
		cc.Backend = genai.BackendVertexAI
		cc.Project = p.project
		cc.Location = p.location
	default:
		return nil, errors.New("gemini tts: an API key or a Vertex AI project is required")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: new client: %w", err)
	}
	p.generate = client.Models.GenerateContent
	return p, nil
}

// Synthesize generates speech for req and returns it as a one-fragment stream.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.StreamOf(audio.Mono(audio.SynthesisSampleRate), nil), nil
	}

	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			LanguageCode: req.Language,
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}

	resp, err := p.generate(ctx, p.model, genai.Text(prompt(req)), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: generate: %w", err)
	}
	blob, err := audioBlob(resp)
	if err != nil {
		return nil, err
	}
	return tts.StreamOf(audio.Mono(sampleRate(blob.MIMEType)), blob.Data), nil
}

// prompt prefixes the text with the delivery style when one is set.
func prompt(req tts.Request) string {
	if req.Style == "" {
		return req.Text
	}
	return fmt.Sprintf("Say in a %s tone: %s", req.Style, req.Text)
}

// audioBlob returns the first inline audio part of resp.
func audioBlob(resp *genai.GenerateContentResponse) (*genai.Blob, error) {
	if resp == nil {
		return nil, errors.New("gemini tts: empty response")
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData, nil
			}
		}
	}
	return nil, errors.New("gemini tts: response carries no audio")
}

// sampleRate parses the rate parameter of a MIME type such as
// "audio/L16;codec=pcm;rate=24000".
func sampleRate(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return audio.SynthesisSampleRate
}

var _ tts.Provider = (*Provider)(nil)
