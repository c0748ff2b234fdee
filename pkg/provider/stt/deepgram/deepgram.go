// Package deepgram provides a recognition backend on the Deepgram streaming
// WebSocket API. It implements [stt.Provider].
//
// Deepgram finalizes an utterance in segments (is_final) and marks the end of
// speech separately (speech_final, or an UtteranceEnd message). The session
// stitches finalized segments together so every emitted [stt.Result] carries
// the full cumulative utterance text.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000

	// closeTimeout bounds how long Close waits for Deepgram to flush.
	closeTimeout = 5 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the default Deepgram model (e.g. "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language used when StreamConfig has none.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests and proxies.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithUtteranceEndMs enables Deepgram's UtteranceEnd message after ms of
// silence. Deepgram requires at least 1000.
func WithUtteranceEndMs(ms int) Option {
	return func(p *Provider) {
		p.utteranceEndMs = ms
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey         string
	endpoint       string
	model          string
	language       string
	utteranceEndMs int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns a live session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	// The session outlives the dial context.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:    conn,
		cancel:  cancel,
		results: make(chan stt.Result, 64),
		audio:   make(chan []byte, 256),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go sess.readLoop(sctx)
	go sess.writeLoop(sctx)

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for cfg.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}
	if p.utteranceEndMs > 0 && cfg.InterimResults {
		q.Set("utterance_end_ms", strconv.Itoa(p.utteranceEndMs))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- wire format ----

// deepgramResponse covers the Results and UtteranceEnd message types.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// event is a parsed Deepgram message relevant to utterance assembly.
type event struct {
	text         string
	confidence   float64
	segmentFinal bool // is_final: the segment text will not change
	speechFinal  bool // speech_final or UtteranceEnd: the utterance is over
}

// parseDeepgramResponse parses one WebSocket message. ok is false for
// messages that carry nothing for utterance assembly.
func parseDeepgramResponse(data []byte) (event, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return event{}, false
	}
	switch resp.Type {
	case "UtteranceEnd":
		return event{speechFinal: true}, true
	case "Results":
	default:
		return event{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return event{}, false
	}
	alt := resp.Channel.Alternatives[0]
	return event{
		text:         alt.Transcript,
		confidence:   alt.Confidence,
		segmentFinal: resp.IsFinal,
		speechFinal:  resp.SpeechFinal,
	}, true
}

// assembler stitches Deepgram segments into cumulative utterance results.
// seq runs across the whole session here, which is stricter than
// [stt.Result] requires; consumers must not rely on it spanning utterances.
type assembler struct {
	committed []string
	seq       uint64
}

// apply folds ev into the open utterance and returns the result to emit.
func (a *assembler) apply(ev event, now time.Time) (stt.Result, bool) {
	current := strings.TrimSpace(ev.text)
	if ev.segmentFinal && current != "" {
		a.committed = append(a.committed, current)
		current = ""
	}

	parts := a.committed
	if current != "" {
		parts = append(parts[:len(parts):len(parts)], current)
	}
	text := strings.Join(parts, " ")

	if ev.speechFinal {
		a.committed = nil
		if text == "" {
			// UtteranceEnd after a speech_final that already closed it.
			return stt.Result{}, false
		}
	} else if text == "" {
		return stt.Result{}, false
	}

	a.seq++
	return stt.Result{
		Text:       text,
		IsFinal:    ev.speechFinal,
		Seq:        a.seq,
		Confidence: ev.confidence,
		ReceivedAt: now,
	}, true
}

// ---- session ----

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	results chan stt.Result
	audio   chan []byte

	done       chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	once       sync.Once

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	}
}

// Results returns the ordered result stream.
func (s *session) Results() <-chan stt.Result { return s.results }

// Err returns the transport error that ended the session, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// shutdown marks the session closed without waiting on the loops.
func (s *session) shutdown() {
	s.once.Do(func() { close(s.done) })
}

// Close asks Deepgram to flush, waits for the loops and closes the socket.
func (s *session) Close() error {
	s.shutdown()
	<-s.writerDone
	select {
	case <-s.readerDone:
	case <-time.After(closeTimeout):
	}
	s.cancel()
	<-s.readerDone
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// writeLoop forwards queued audio as binary frames. On shutdown it drains the
// queue and sends CloseStream so Deepgram flushes its final results.
func (s *session) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.setErr(fmt.Errorf("deepgram: write: %w", err))
				s.shutdown()
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}
		}
	}
}

// readLoop parses messages and emits assembled results in arrival order.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readerDone)
	defer close(s.results)

	var asm assembler
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Closed by us; Deepgram ends the socket after CloseStream.
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.setErr(fmt.Errorf("deepgram: read: %w", err))
					slog.Warn("deepgram stream ended", "err", err)
				}
				s.shutdown()
			}
			return
		}

		ev, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		res, ok := asm.apply(ev, time.Now())
		if !ok {
			continue
		}
		select {
		case s.results <- res:
		case <-ctx.Done():
			return
		}
	}
}

var _ stt.Provider = (*Provider)(nil)
