// Package openai provides a text dialog backend on the OpenAI chat
// completions API.
//
// Each Channel keeps the conversation history locally and replays it with
// every turn, so successive SendText calls behave like one continuous
// session. Replies are streamed as OutputTranscript fragments; the backend
// never produces audio and rejects SendAudio with dialog.ErrNotSupported.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxloop/pkg/provider/dialog"
)

// Provider implements dialog.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI dialog Provider. model is the default used
// when dialog.Config.Model is empty.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Open returns a new conversation. No network traffic happens until the
// first SendText.
func (p *Provider) Open(_ context.Context, cfg dialog.Config) (dialog.Channel, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &channel{
		client: p.client,
		model:  model,
		events: make(chan result, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.SystemInstruction != "" {
		c.history = append(c.history, oai.SystemMessage(cfg.SystemInstruction))
	}
	return c, nil
}

type result struct {
	ev  dialog.Event
	err error
}

// channel is one conversation. Turns are streamed by a goroutine per
// SendText; the caller serialises turns.
type channel struct {
	client oai.Client
	model  string
	events chan result

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	history []oai.ChatCompletionMessageParamUnion
	wg      sync.WaitGroup
}

// SendText appends text to the history and starts streaming the reply.
func (c *channel) SendText(_ context.Context, text string) error {
	if c.ctx.Err() != nil {
		return dialog.ErrChannelClosed
	}

	c.mu.Lock()
	c.history = append(c.history, oai.UserMessage(text))
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: append([]oai.ChatCompletionMessageParamUnion(nil), c.history...),
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.stream(text, params)
	return nil
}

// stream forwards one reply. The query is echoed as the input transcript
// so consumers see the same event shape as from a speech backend.
func (c *channel) stream(query string, params oai.ChatCompletionNewParams) {
	defer c.wg.Done()

	if !c.emit(result{ev: dialog.Event{InputTranscript: query}}) {
		return
	}

	stream := c.client.Chat.Completions.NewStreaming(c.ctx, params)
	defer stream.Close()

	var reply strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if !c.emit(result{ev: dialog.Event{OutputTranscript: delta}}) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		c.emit(result{err: fmt.Errorf("openai: stream: %w", err)})
		return
	}

	asst := oai.ChatCompletionAssistantMessageParam{}
	asst.Content.OfString = oai.String(reply.String())
	c.mu.Lock()
	c.history = append(c.history, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
	c.mu.Unlock()

	c.emit(result{ev: dialog.Event{TurnComplete: true}})
}

func (c *channel) emit(r result) bool {
	select {
	case c.events <- r:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// SendAudio is not supported by a text backend.
func (c *channel) SendAudio(context.Context, []byte) error {
	return fmt.Errorf("openai: %w", dialog.ErrNotSupported)
}

// Recv returns the next reply event.
func (c *channel) Recv(ctx context.Context) (dialog.Event, error) {
	select {
	case r := <-c.events:
		return r.ev, r.err
	case <-c.ctx.Done():
		return dialog.Event{}, dialog.ErrChannelClosed
	case <-ctx.Done():
		return dialog.Event{}, ctx.Err()
	}
}

// Close cancels any in-flight reply. Idempotent.
func (c *channel) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// turns returns the number of messages in the history. Used by tests.
func (c *channel) turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

var (
	_ dialog.Provider = (*Provider)(nil)
	_ dialog.Channel  = (*channel)(nil)
)
