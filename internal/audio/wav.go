package audio

import (
	"errors"
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrWriterClosed is returned when writing to a closed WAVWriter.
var ErrWriterClosed = errors.New("wav writer closed")

// ReadWAV decodes a PCM WAV file into interleaved float samples.
func ReadWAV(path string) ([]float32, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("invalid wav file %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if err := format.Validate(); err != nil {
		return nil, Format{}, fmt.Errorf("wav format: %w", err)
	}

	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << uint(depth-1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return samples, format, nil
}

// WAVWriter streams 16-bit PCM into a WAV file. Safe for concurrent use.
type WAVWriter struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	format Format
	frames int
	closed bool
}

func CreateWAV(path string, format Format) (*WAVWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	enc := wav.NewEncoder(file, format.SampleRate, 16, format.Channels, 1)
	return &WAVWriter{file: file, enc: enc, format: format}, nil
}

// Write appends interleaved float samples.
func (w *WAVWriter) Write(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(toInt16(s))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: w.format.Channels, SampleRate: w.format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.frames += len(samples) / w.format.Channels
	return nil
}

// Frames is the number of sample frames written so far.
func (w *WAVWriter) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return w.file.Close()
}

// WriteWAV writes samples to path in one step.
func WriteWAV(path string, format Format, samples []float32) error {
	w, err := CreateWAV(path, format)
	if err != nil {
		return err
	}
	if err := w.Write(samples); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
