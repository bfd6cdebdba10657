package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-ime/internal/audio"
)

type mockLoader struct {
	sampleRate int
}

// NewMockLoader returns a backend that reports how much audio it has heard
// instead of recognising speech.
func NewMockLoader(sampleRate int) Loader {
	return &mockLoader{sampleRate: sampleRate}
}

func (l *mockLoader) Name() string { return "mock" }

func (l *mockLoader) Load(context.Context) (Transcriber, error) {
	return &mockTranscriber{sampleRate: l.sampleRate}, nil
}

type mockTranscriber struct {
	sampleRate int
	samples    int
	chunks     int
	closed     bool
}

func (m *mockTranscriber) Feed(_ context.Context, chunk audio.Chunk) (Output, error) {
	if m.closed {
		return Output{}, ErrClosed
	}
	m.samples += chunk.Real()
	m.chunks++
	return Output{Text: m.describe("partial")}, nil
}

func (m *mockTranscriber) Flush(context.Context) (Output, error) {
	if m.closed {
		return Output{}, ErrClosed
	}
	return Output{Text: m.describe("final"), Final: true}, nil
}

func (m *mockTranscriber) describe(mode string) string {
	heard := time.Duration(0)
	if m.sampleRate > 0 {
		heard = time.Duration(m.samples) * time.Second / time.Duration(m.sampleRate)
	}
	return fmt.Sprintf("[%s transcript chunks=%d audio=%s]", mode, m.chunks, heard.Round(time.Millisecond))
}

func (m *mockTranscriber) Reset() error {
	m.samples = 0
	m.chunks = 0
	return nil
}

func (m *mockTranscriber) Close() error {
	m.closed = true
	return nil
}
