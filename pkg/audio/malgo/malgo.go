// Package malgo connects the local sound card to the pipeline through
// miniaudio: a capture device that pushes microphone PCM into an
// [audio.CaptureQueue], and a playback device that implements [audio.Sink].
//
// Both devices use signed 16-bit PCM. The package requires cgo.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// ErrNotStarted is returned by playback when the device is not running.
var ErrNotStarted = errors.New("malgo: device not started")

// Context owns the miniaudio backend context shared by capture and playback.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises the default miniaudio backend.
func NewContext() (*Context, error) {
	c, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Context{ctx: c}, nil
}

// Close releases the backend context. Devices must be closed first.
func (c *Context) Close() error {
	if err := c.ctx.Uninit(); err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	c.ctx.Free()
	return nil
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a microphone device feeding a capture queue. Each device
// callback is copied into the queue by [audio.CaptureQueue.Push], which never
// blocks, so the realtime thread is never stalled by the consumer.
type Capture struct {
	device *malgo.Device
	queue  *audio.CaptureQueue

	mu      sync.Mutex
	stopped bool
}

// NewCapture opens the default capture device in the queue's format.
// periodFrames is the device period in samples (e.g. 1600 for 100ms at 16kHz);
// zero keeps the backend default.
func (c *Context) NewCapture(q *audio.CaptureQueue, periodFrames int) (*Capture, error) {
	f := q.Format()
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * f.Channels

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Capture.Format = format
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	if periodFrames > 0 {
		cfg.PeriodSizeInFrames = uint32(periodFrames)
	}

	capt := &Capture{queue: q}
	var err error
	capt.device, err = malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(in) < n {
				return
			}
			q.Push(in[:n])
		},
		Stop: func() {
			capt.mu.Lock()
			expected := capt.stopped
			capt.mu.Unlock()
			if !expected {
				q.CloseWithError(errors.New("malgo: capture device stopped unexpectedly"))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	return capt, nil
}

// Start begins delivering microphone audio to the queue.
func (c *Capture) Start() error {
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("malgo: start capture: %w", err)
	}
	return nil
}

// Close stops the device, releases it and closes the queue so consumers see
// end-of-stream. Close is idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	err := c.device.Stop()
	c.device.Uninit()
	c.queue.Close()
	if err != nil {
		return fmt.Errorf("malgo: stop capture: %w", err)
	}
	return nil
}

// ─── Playback ────────────────────────────────────────────────────────────────

// Playback is a speaker device implementing [audio.Sink] and [audio.Clearer].
// Written fragments are appended to an internal buffer consumed by the device
// callback; Drain waits until that buffer has been fully handed to the device.
type Playback struct {
	device        *malgo.Device
	format        audio.Format
	bytesPerFrame int

	mu      sync.Mutex
	pending []byte
	// drained is closed and replaced whenever pending becomes empty.
	drained chan struct{}
}

// NewPlayback opens the default playback device at format f.
func (c *Context) NewPlayback(f audio.Format) (*Playback, error) {
	format := malgo.FormatS16
	p := &Playback{
		format:        f,
		bytesPerFrame: malgo.SampleSizeInBytes(format) * f.Channels,
		drained:       make(chan struct{}),
	}
	close(p.drained)

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Playback.Format = format
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(f.SampleRate / 10)
	cfg.Periods = 4

	var err error
	p.device, err = malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{Data: p.fill})
	if err != nil {
		return nil, fmt.Errorf("malgo: init playback device: %w", err)
	}
	if err := p.device.Start(); err != nil {
		p.device.Uninit()
		return nil, fmt.Errorf("malgo: start playback: %w", err)
	}
	return p, nil
}

// Format returns the device format. Fragments must already be in it.
func (p *Playback) Format() audio.Format { return p.format }

// fill is the device callback copying pending audio into the output buffer.
func (p *Playback) fill(out, _ []byte, frameCount uint32) {
	need := int(frameCount) * p.bytesPerFrame

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return
	}
	n := copy(out[:need], p.pending)
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.pending = nil
		close(p.drained)
	}
}

// Write appends one fragment to the playback buffer.
func (p *Playback) Write(pcm []byte) error {
	if !p.device.IsStarted() {
		return ErrNotStarted
	}
	if len(pcm) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		p.drained = make(chan struct{})
	}
	p.pending = append(p.pending, pcm...)
	return nil
}

// Drain blocks until all written audio has been handed to the device.
func (p *Playback) Drain(ctx context.Context) error {
	p.mu.Lock()
	ch := p.drained
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops audio that has not been played yet.
func (p *Playback) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 {
		p.pending = nil
		close(p.drained)
	}
}

// Close stops and releases the device. Pending audio is dropped.
func (p *Playback) Close() error {
	p.Clear()
	err := p.device.Stop()
	p.device.Uninit()
	if err != nil {
		return fmt.Errorf("malgo: stop playback: %w", err)
	}
	return nil
}

var (
	_ audio.Sink    = (*Playback)(nil)
	_ audio.Clearer = (*Playback)(nil)
)
