// Package gemini implements the dialog.Provider interface on the Gemini Live
// API through the google.golang.org/genai SDK.
//
// Both the Gemini API (API key) and Vertex AI (project + location with
// application default credentials) backends are supported. Unset settings
// fall back to the GOOGLE_API_KEY, GOOGLE_CLOUD_PROJECT, GOOGLE_CLOUD_REGION
// and GOOGLE_GEMINI_LIVE_MODEL environment variables.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/voxloop/pkg/provider/dialog"
)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel = "gemini-live-2.5-flash-preview-native-audio-09-2025"

	defaultLocation   = "us-central1"
	defaultSampleRate = 16000
)

// liveSession is the subset of *genai.Session the channel uses.
type liveSession interface {
	SendClientContent(input genai.LiveClientContentInput) error
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
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

// WithModel sets the model used when dialog.Config.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements dialog.Provider for the Gemini Live API.
type Provider struct {
	apiKey   string
	project  string
	location string
	model    string
	baseURL  string

	connect connectFunc
}

// New creates a Provider and its underlying genai client.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}
	p.applyEnv()

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
		return nil, errors.New("gemini: an API key or a Vertex AI project is required")
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.connect = func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		return client.Live.Connect(ctx, model, cfg)
	}
	return p, nil
}

// applyEnv fills unset settings from the environment.
func (p *Provider) applyEnv() {
	if p.apiKey == "" && p.project == "" {
		p.apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if p.project == "" {
		p.project = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if p.location == "" {
		p.location = os.Getenv("GOOGLE_CLOUD_REGION")
	}
	if p.location == "" {
		p.location = defaultLocation
	}
	if p.model == "" {
		p.model = os.Getenv("GOOGLE_GEMINI_LIVE_MODEL")
	}
	if p.model == "" {
		p.model = DefaultModel
	}
}

// Open connects a Live session configured from cfg.
func (p *Provider) Open(ctx context.Context, cfg dialog.Config) (dialog.Channel, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	sess, err := p.connect(ctx, model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini: connect %s: %w", model, err)
	}
	rate := cfg.InputSampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}
	return newChannel(sess, rate), nil
}

// liveConfig translates cfg into the SDK connect configuration.
func liveConfig(cfg dialog.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityText},
	}
	if cfg.AudioReplies {
		lc.ResponseModalities = []genai.Modality{genai.ModalityAudio}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.Voice.Name != "" || cfg.Voice.Language != "" {
		sc := &genai.SpeechConfig{LanguageCode: cfg.Voice.Language}
		if cfg.Voice.Name != "" {
			sc.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice.Name},
			}
		}
		lc.SpeechConfig = sc
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.ProactiveAudio {
		lc.Proactivity = &genai.ProactivityConfig{ProactiveAudio: genai.Ptr(true)}
	}
	if cfg.AffectiveDialog {
		lc.EnableAffectiveDialog = genai.Ptr(true)
	}

	ad := cfg.ActivityDetection
	aad := &genai.AutomaticActivityDetection{
		Disabled:                 ad.Disabled,
		StartOfSpeechSensitivity: startSensitivity(ad.StartSensitivity),
		EndOfSpeechSensitivity:   endSensitivity(ad.EndSensitivity),
	}
	if ad.PrefixPadding > 0 {
		aad.PrefixPaddingMs = genai.Ptr(int32(ad.PrefixPadding.Milliseconds()))
	}
	if ad.SilenceDuration > 0 {
		aad.SilenceDurationMs = genai.Ptr(int32(ad.SilenceDuration.Milliseconds()))
	}
	lc.RealtimeInputConfig = &genai.RealtimeInputConfig{
		AutomaticActivityDetection: aad,
		ActivityHandling:           genai.ActivityHandling("START_OF_ACTIVITY_INTERRUPTS"),
		TurnCoverage:               genai.TurnCoverage("TURN_INCLUDES_ONLY_ACTIVITY"),
	}
	return lc
}

func startSensitivity(s dialog.Sensitivity) genai.StartSensitivity {
	switch s {
	case dialog.SensitivityLow:
		return genai.StartSensitivity("START_SENSITIVITY_LOW")
	case dialog.SensitivityHigh:
		return genai.StartSensitivity("START_SENSITIVITY_HIGH")
	default:
		return ""
	}
}

func endSensitivity(s dialog.Sensitivity) genai.EndSensitivity {
	switch s {
	case dialog.SensitivityLow:
		return genai.EndSensitivity("END_SENSITIVITY_LOW")
	case dialog.SensitivityHigh:
		return genai.EndSensitivity("END_SENSITIVITY_HIGH")
	default:
		return ""
	}
}

// toEvent flattens one server message into a dialog.Event.
func toEvent(msg *genai.LiveServerMessage) dialog.Event {
	var ev dialog.Event
	if msg == nil || msg.ServerContent == nil {
		return ev
	}
	sc := msg.ServerContent
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part != nil && part.InlineData != nil {
				ev.Audio = append(ev.Audio, part.InlineData.Data...)
			}
		}
	}
	if sc.InputTranscription != nil {
		ev.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		ev.OutputTranscript = sc.OutputTranscription.Text
	}
	ev.TurnComplete = sc.TurnComplete
	ev.Interrupted = sc.Interrupted
	return ev
}

// ── channel ────────────────────────────────────────────────────────────────────

type received struct {
	msg *genai.LiveServerMessage
	err error
}

// channel adapts a Live session to dialog.Channel. Receive has no context,
// so a reader goroutine forwards messages to Recv.
type channel struct {
	sess liveSession
	mime string

	incoming chan received
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	// sendMu serialises writes on the underlying socket.
	sendMu sync.Mutex
}

func newChannel(sess liveSession, sampleRate int) *channel {
	c := &channel{
		sess:     sess,
		mime:     fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
		incoming: make(chan received, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *channel) readLoop() {
	for {
		msg, err := c.sess.Receive()
		select {
		case c.incoming <- received{msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// SendText submits text as a complete user turn.
func (c *channel) SendText(_ context.Context, text string) error {
	if c.isClosed() {
		return dialog.ErrChannelClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := c.sess.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
	})
	if err != nil {
		return fmt.Errorf("gemini: send text: %w", err)
	}
	return nil
}

// SendAudio streams one PCM chunk as realtime input.
func (c *channel) SendAudio(_ context.Context, chunk []byte) error {
	if c.isClosed() {
		return dialog.ErrChannelClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: c.mime, Data: chunk},
	})
	if err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Recv returns the next non-empty event.
func (c *channel) Recv(ctx context.Context) (dialog.Event, error) {
	for {
		select {
		case r := <-c.incoming:
			if r.err != nil {
				c.shutdown()
				return dialog.Event{}, fmt.Errorf("gemini: receive: %w: %v", dialog.ErrChannelClosed, r.err)
			}
			ev := toEvent(r.msg)
			if ev.Empty() {
				continue
			}
			return ev, nil
		case <-c.done:
			return dialog.Event{}, dialog.ErrChannelClosed
		case <-ctx.Done():
			return dialog.Event{}, ctx.Err()
		}
	}
}

func (c *channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.sess.Close()
	})
}

// Close ends the Live session. Idempotent.
func (c *channel) Close() error {
	c.shutdown()
	if c.closeErr != nil {
		return fmt.Errorf("gemini: close: %w", c.closeErr)
	}
	return nil
}

var (
	_ dialog.Provider = (*Provider)(nil)
	_ dialog.Channel  = (*channel)(nil)
)
