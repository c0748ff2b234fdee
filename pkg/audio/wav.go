package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const wavHeaderSize = 44

// ErrNotWAV is returned by [ReadWAVFormat] when the input does not start with
// a RIFF/WAVE header describing 16-bit linear PCM.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM wav stream")

// WriteWAV writes pcm to w as a canonical 44-byte-header WAV file. The header
// declares f; a rate that differs from the one the PCM was produced at plays
// back pitch-shifted rather than failing, so callers must pass the rate the
// synthesizer declared.
func WriteWAV(w io.Writer, pcm []byte, f Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("audio: write wav: invalid format %s", f)
	}
	dataLen := len(pcm)
	blockAlign := f.Channels * BytesPerSample

	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // linear PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], 16)

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// ReadWAVFormat parses a canonical WAV header from r and returns the declared
// format and the PCM payload that follows it.
func ReadWAVFormat(r io.Reader) (Format, []byte, error) {
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Format{}, nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" || string(header[12:16]) != "fmt " {
		return Format{}, nil, ErrNotWAV
	}
	if binary.LittleEndian.Uint16(header[20:22]) != 1 || binary.LittleEndian.Uint16(header[34:36]) != 16 {
		return Format{}, nil, ErrNotWAV
	}
	f := Format{
		Channels:   int(binary.LittleEndian.Uint16(header[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(header[24:28])),
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Format{}, nil, fmt.Errorf("audio: read wav data: %w", err)
	}
	if n := int(binary.LittleEndian.Uint32(header[40:44])); n < len(data) {
		data = data[:n]
	}
	return f, data, nil
}

// FileSink is a [Sink] that collects one reply and persists it as a WAV file
// on Drain. The file is overwritten for every reply.
type FileSink struct {
	path   string
	format Format

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewFileSink returns a sink writing WAV files to path with the given format.
func NewFileSink(path string, f Format) *FileSink {
	return &FileSink{path: path, format: f}
}

// Write appends pcm to the pending reply.
func (s *FileSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(pcm)
	return nil
}

// Drain writes the pending reply to disk and resets the buffer. A drain with
// nothing pending leaves the previous file untouched.
func (s *FileSink) Drain(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("audio: create %q: %w", s.path, err)
	}
	if err := WriteWAV(f, s.buf.Bytes(), s.format); err != nil {
		f.Close()
		return err
	}
	s.buf.Reset()
	if err := f.Close(); err != nil {
		return fmt.Errorf("audio: close %q: %w", s.path, err)
	}
	return nil
}

// Clear discards the pending reply.
func (s *FileSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
}

// MultiSink fans every write out to all sinks in order. The first error stops
// the fan-out.
func MultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Write(pcm []byte) error {
	for _, s := range m {
		if err := s.Write(pcm); err != nil {
			return err
		}
	}
	return nil
}

func (m multiSink) Drain(ctx context.Context) error {
	for _, s := range m {
		if err := s.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m multiSink) Clear() {
	for _, s := range m {
		if c, ok := s.(Clearer); ok {
			c.Clear()
		}
	}
}

var (
	_ Sink    = (*FileSink)(nil)
	_ Clearer = (*FileSink)(nil)
	_ Clearer = multiSink(nil)
)
