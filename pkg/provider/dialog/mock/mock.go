// Package mock provides test doubles for the dialog package interfaces.
//
// Use Provider to script Open outcomes (failures, then a channel) and to
// verify the Config a caller opened with. Use Channel to drive the event
// stream: either push events directly with Emit, or set Reply to answer
// every SendText with a canned event sequence.
//
// Example:
//
//	ch := mock.NewChannel()
//	ch.Reply = func(q string) []dialog.Event {
//	    return []dialog.Event{{OutputTranscript: "hi"}, {TurnComplete: true}}
//	}
//	p := &mock.Provider{Channels: []dialog.Channel{ch}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/dialog"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg dialog.Config
}

// Provider is a mock implementation of dialog.Provider.
type Provider struct {
	mu sync.Mutex

	// OpenErrs, if non-empty, is consumed in order: each Open call pops one
	// entry and fails with it when it is non-nil.
	OpenErrs []error

	// OpenErr, if non-nil, is returned by every Open call once OpenErrs is
	// exhausted.
	OpenErr error

	// Channels, if non-empty, is consumed in order by successful Open calls.
	// Once exhausted, Open returns a fresh Channel from NewChannel.
	Channels []dialog.Channel

	// NewReply, if set, is installed as Reply on every fresh Channel.
	NewReply func(text string) []dialog.Event

	// --- Call records ---

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// Opened records every channel returned by Open in order.
	Opened []dialog.Channel
}

// Open records the call and returns the next scripted outcome.
func (p *Provider) Open(ctx context.Context, cfg dialog.Config) (dialog.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})

	if len(p.OpenErrs) > 0 {
		err := p.OpenErrs[0]
		p.OpenErrs = p.OpenErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	var ch dialog.Channel
	if len(p.Channels) > 0 {
		ch = p.Channels[0]
		p.Channels = p.Channels[1:]
	} else {
		c := NewChannel()
		c.Reply = p.NewReply
		ch = c
	}
	p.Opened = append(p.Opened, ch)
	return ch, nil
}

// OpenCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// LastOpened returns the most recently opened channel, or nil. Thread-safe.
func (p *Provider) LastOpened() dialog.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Opened) == 0 {
		return nil
	}
	return p.Opened[len(p.Opened)-1]
}

// Ensure Provider implements dialog.Provider at compile time.
var _ dialog.Provider = (*Provider)(nil)

// Channel is a mock implementation of dialog.Channel.
type Channel struct {
	mu sync.Mutex

	events    chan dialog.Event
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once

	// Reply, if set, is called for every successful SendText; the returned
	// events are queued for Recv in order.
	Reply func(text string) []dialog.Event

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// OnSendAudio, if set, is called with each chunk after it is recorded.
	OnSendAudio func(chunk []byte)

	// --- Call records ---

	// Texts records every query passed to SendText.
	Texts []string

	// AudioChunks records a copy of every chunk passed to SendAudio.
	AudioChunks [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewChannel returns a Channel with a large event buffer.
func NewChannel() *Channel {
	return &Channel{
		events: make(chan dialog.Event, 1024),
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}
}

// Emit queues ev for Recv.
func (c *Channel) Emit(evs ...dialog.Event) {
	for _, ev := range evs {
		c.events <- ev
	}
}

// FailRecv makes a later Recv return err once queued events are consumed.
func (c *Channel) FailRecv(err error) {
	c.errs <- err
}

// CloseRemote simulates the backend closing the channel. Events already
// queued are still delivered before ErrChannelClosed.
func (c *Channel) CloseRemote() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// SendText records the query and queues Reply's events.
func (c *Channel) SendText(_ context.Context, text string) error {
	c.mu.Lock()
	c.Texts = append(c.Texts, text)
	err := c.SendTextErr
	reply := c.Reply
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if c.isClosed() {
		return dialog.ErrChannelClosed
	}
	if reply != nil {
		c.Emit(reply(text)...)
	}
	return nil
}

// SendAudio records a copy of chunk.
func (c *Channel) SendAudio(_ context.Context, chunk []byte) error {
	if c.isClosed() {
		return dialog.ErrChannelClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	c.mu.Lock()
	c.AudioChunks = append(c.AudioChunks, cp)
	err := c.SendAudioErr
	hook := c.OnSendAudio
	c.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
	return err
}

// Recv returns the next queued event or error. Queued events win over a
// pending close so tests can script "events, then close".
func (c *Channel) Recv(ctx context.Context) (dialog.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}
	select {
	case err := <-c.errs:
		return dialog.Event{}, err
	default:
	}

	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.errs:
		return dialog.Event{}, err
	case <-c.closed:
		select {
		case ev := <-c.events:
			return ev, nil
		default:
		}
		return dialog.Event{}, dialog.ErrChannelClosed
	case <-ctx.Done():
		return dialog.Event{}, ctx.Err()
	}
}

// Close records the call and closes the channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.CloseCallCount++
	c.mu.Unlock()
	c.CloseRemote()
	return nil
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Sent returns a copy of the recorded text queries. Thread-safe.
func (c *Channel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Texts))
	copy(out, c.Texts)
	return out
}

// AudioCount returns the number of SendAudio calls. Thread-safe.
func (c *Channel) AudioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.AudioChunks)
}

// Closed reports whether Close was called. Thread-safe.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount > 0
}

// Ensure Channel implements dialog.Channel at compile time.
var _ dialog.Channel = (*Channel)(nil)
