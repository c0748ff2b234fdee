package gemini

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/voxloop/pkg/provider/dialog"
)

// fakeSession is an in-memory liveSession.
type fakeSession struct {
	mu       sync.Mutex
	contents []genai.LiveClientContentInput
	realtime []genai.LiveRealtimeInput
	closed   int

	msgs chan *genai.LiveServerMessage
	errs chan error
	done chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		msgs: make(chan *genai.LiveServerMessage, 16),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (f *fakeSession) SendClientContent(in genai.LiveClientContentInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents = append(f.contents, in)
	return nil
}

func (f *fakeSession) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = append(f.realtime, in)
	return nil
}

func (f *fakeSession) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case err := <-f.errs:
		return nil, err
	case <-f.done:
		return nil, io.ErrClosedPipe
	}
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	if f.closed == 1 {
		close(f.done)
	}
	return nil
}

func content(sc *genai.LiveServerContent) *genai.LiveServerMessage {
	return &genai.LiveServerMessage{ServerContent: sc}
}

// ─── liveConfig ──────────────────────────────────────────────────────────────

func TestLiveConfig_FullSession(t *testing.T) {
	t.Parallel()

	lc := liveConfig(dialog.Config{
		SystemInstruction:   "be brief",
		Voice:               dialog.Voice{Name: "Aoede", Language: "en-US"},
		AudioReplies:        true,
		InputTranscription:  true,
		OutputTranscription: true,
		ProactiveAudio:      true,
		AffectiveDialog:     true,
		ActivityDetection: dialog.ActivityDetection{
			StartSensitivity: dialog.SensitivityLow,
			EndSensitivity:   dialog.SensitivityLow,
			PrefixPadding:    20 * time.Millisecond,
			SilenceDuration:  1500 * time.Millisecond,
		},
	})

	if len(lc.ResponseModalities) != 1 || lc.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("want audio modality, got %v", lc.ResponseModalities)
	}
	if lc.SystemInstruction == nil || lc.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("want system instruction, got %+v", lc.SystemInstruction)
	}
	if lc.SpeechConfig == nil || lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" {
		t.Fatalf("want voice Aoede, got %+v", lc.SpeechConfig)
	}
	if lc.SpeechConfig.LanguageCode != "en-US" {
		t.Errorf("want language en-US, got %q", lc.SpeechConfig.LanguageCode)
	}
	if lc.InputAudioTranscription == nil || lc.OutputAudioTranscription == nil {
		t.Error("want both transcriptions enabled")
	}
	if lc.Proactivity == nil || lc.Proactivity.ProactiveAudio == nil || !*lc.Proactivity.ProactiveAudio {
		t.Error("want proactive audio")
	}
	if lc.EnableAffectiveDialog == nil || !*lc.EnableAffectiveDialog {
		t.Error("want affective dialog")
	}

	ric := lc.RealtimeInputConfig
	if ric == nil || ric.AutomaticActivityDetection == nil {
		t.Fatal("want realtime input config")
	}
	aad := ric.AutomaticActivityDetection
	if aad.StartOfSpeechSensitivity != "START_SENSITIVITY_LOW" {
		t.Errorf("want low start sensitivity, got %q", aad.StartOfSpeechSensitivity)
	}
	if aad.EndOfSpeechSensitivity != "END_SENSITIVITY_LOW" {
		t.Errorf("want low end sensitivity, got %q", aad.EndOfSpeechSensitivity)
	}
	if aad.PrefixPaddingMs == nil || *aad.PrefixPaddingMs != 20 {
		t.Errorf("want prefix padding 20, got %v", aad.PrefixPaddingMs)
	}
	if aad.SilenceDurationMs == nil || *aad.SilenceDurationMs != 1500 {
		t.Errorf("want silence 1500, got %v", aad.SilenceDurationMs)
	}
	if ric.ActivityHandling != "START_OF_ACTIVITY_INTERRUPTS" {
		t.Errorf("want start-of-activity interrupts, got %q", ric.ActivityHandling)
	}
	if ric.TurnCoverage != "TURN_INCLUDES_ONLY_ACTIVITY" {
		t.Errorf("want activity-only turn coverage, got %q", ric.TurnCoverage)
	}
}

func TestLiveConfig_Minimal(t *testing.T) {
	t.Parallel()

	lc := liveConfig(dialog.Config{})
	if lc.ResponseModalities[0] != genai.ModalityText {
		t.Errorf("want text modality, got %v", lc.ResponseModalities)
	}
	if lc.SystemInstruction != nil || lc.SpeechConfig != nil || lc.Proactivity != nil {
		t.Error("want unset optional fields")
	}
	if lc.InputAudioTranscription != nil || lc.OutputAudioTranscription != nil {
		t.Error("want transcriptions disabled")
	}
}

// ─── toEvent ─────────────────────────────────────────────────────────────────

func TestToEvent(t *testing.T) {
	t.Parallel()

	ev := toEvent(content(&genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: []byte{1, 2}}},
			{Text: "ignored"},
			{InlineData: &genai.Blob{Data: []byte{3}}},
		}},
		InputTranscription:  &genai.Transcription{Text: "hello"},
		OutputTranscription: &genai.Transcription{Text: "hi"},
		TurnComplete:        true,
	}))
	if string(ev.Audio) != string([]byte{1, 2, 3}) {
		t.Errorf("want concatenated audio, got %v", ev.Audio)
	}
	if ev.InputTranscript != "hello" || ev.OutputTranscript != "hi" {
		t.Errorf("want transcripts, got %+v", ev)
	}
	if !ev.TurnComplete {
		t.Error("want TurnComplete")
	}

	if !toEvent(&genai.LiveServerMessage{}).Empty() {
		t.Error("want empty event for message without server content")
	}
}

// ─── channel ─────────────────────────────────────────────────────────────────

func TestChannel_SendAndReceive(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	ch := newChannel(sess, 16000)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.SendText(ctx, "what time is it"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := ch.SendAudio(ctx, []byte{9, 9}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	sess.mu.Lock()
	if len(sess.contents) != 1 || sess.contents[0].Turns[0].Parts[0].Text != "what time is it" {
		t.Errorf("want one text turn, got %+v", sess.contents)
	}
	if sess.contents[0].Turns[0].Role != "user" {
		t.Errorf("want user role, got %q", sess.contents[0].Turns[0].Role)
	}
	if len(sess.realtime) != 1 || sess.realtime[0].Audio.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("want one realtime audio blob, got %+v", sess.realtime)
	}
	sess.mu.Unlock()

	sess.msgs <- &genai.LiveServerMessage{} // skipped
	sess.msgs <- content(&genai.LiveServerContent{OutputTranscription: &genai.Transcription{Text: "noon"}})
	sess.msgs <- content(&genai.LiveServerContent{TurnComplete: true})

	ev, err := ch.Recv(ctx)
	if err != nil || ev.OutputTranscript != "noon" {
		t.Fatalf("want transcript event, got %+v, %v", ev, err)
	}
	ev, err = ch.Recv(ctx)
	if err != nil || !ev.TurnComplete {
		t.Fatalf("want turn complete, got %+v, %v", ev, err)
	}
}

func TestChannel_ReceiveErrorClosesChannel(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	ch := newChannel(sess, 16000)

	sess.errs <- io.EOF

	_, err := ch.Recv(context.Background())
	if !errors.Is(err, dialog.ErrChannelClosed) {
		t.Fatalf("want ErrChannelClosed, got %v", err)
	}
	if err := ch.SendText(context.Background(), "x"); !errors.Is(err, dialog.ErrChannelClosed) {
		t.Fatalf("want ErrChannelClosed on send, got %v", err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed != 1 {
		t.Errorf("want session closed once, got %d", sess.closed)
	}
}

func TestChannel_RecvHonoursContext(t *testing.T) {
	t.Parallel()

	ch := newChannel(newFakeSession(), 16000)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ch.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestChannel_CloseIdempotent(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	ch := newChannel(sess, 24000)
	for range 3 {
		if err := ch.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if _, err := ch.Recv(context.Background()); !errors.Is(err, dialog.ErrChannelClosed) {
		t.Fatalf("want ErrChannelClosed after Close, got %v", err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed != 1 {
		t.Errorf("want one underlying close, got %d", sess.closed)
	}
}

// ─── Provider ────────────────────────────────────────────────────────────────

func TestOpen_UsesConfiguredModel(t *testing.T) {
	t.Parallel()

	var gotModel string
	p := &Provider{model: DefaultModel}
	p.connect = func(_ context.Context, model string, _ *genai.LiveConnectConfig) (liveSession, error) {
		gotModel = model
		return newFakeSession(), nil
	}

	ch, err := p.Open(context.Background(), dialog.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()
	if gotModel != DefaultModel {
		t.Errorf("want %s, got %s", DefaultModel, gotModel)
	}

	ch2, err := p.Open(context.Background(), dialog.Config{Model: "custom"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch2.Close()
	if gotModel != "custom" {
		t.Errorf("want custom, got %s", gotModel)
	}
}

func TestOpen_ConnectError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := &Provider{model: DefaultModel}
	p.connect = func(context.Context, string, *genai.LiveConnectConfig) (liveSession, error) {
		return nil, boom
	}
	if _, err := p.Open(context.Background(), dialog.Config{}); !errors.Is(err, boom) {
		t.Fatalf("want wrapped connect error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("GOOGLE_CLOUD_REGION", "")
	t.Setenv("GOOGLE_GEMINI_LIVE_MODEL", "env-model")

	p := &Provider{}
	p.applyEnv()
	if p.project != "proj" || p.location != defaultLocation || p.model != "env-model" {
		t.Fatalf("unexpected env defaults: %+v", p)
	}

	p = &Provider{model: "explicit"}
	p.applyEnv()
	if p.model != "explicit" {
		t.Errorf("want explicit model kept, got %s", p.model)
	}
}
