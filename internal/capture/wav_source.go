package capture

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loqalabs/loqa-ime/internal/audio"
)

// WAVSource replays a WAV file as if it were a microphone.
type WAVSource struct {
	path     string
	frameMS  int
	realtime bool
}

func NewWAVSource(path string, frameMS int, realtime bool) *WAVSource {
	if frameMS <= 0 {
		frameMS = 20
	}
	return &WAVSource{path: path, frameMS: frameMS, realtime: realtime}
}

func (s *WAVSource) Name() string {
	return "wav:" + s.path
}

func (s *WAVSource) Open(format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	samples, fileFormat, err := audio.ReadWAV(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	samples = convert(samples, fileFormat, format)
	return newSliceStream(samples, format, s.frameMS, s.realtime), nil
}

// convert adapts interleaved samples between formats. Channel changes go
// through mono.
func convert(samples []float32, from, to audio.Format) []float32 {
	if from == to {
		return samples
	}
	mono := audio.Downmix(samples, from.Channels)
	mono = audio.Resample(mono, from.SampleRate, to.SampleRate)
	if to.Channels == 1 {
		return mono
	}
	out := make([]float32, len(mono)*to.Channels)
	for i, s := range mono {
		for c := 0; c < to.Channels; c++ {
			out[i*to.Channels+c] = s
		}
	}
	return out
}

// sliceStream serves a fixed buffer in frame-sized reads.
type sliceStream struct {
	mu       sync.Mutex
	samples  []float32
	frame    int
	interval time.Duration
	stopped  bool
	stopCh   chan struct{}
	next     time.Time
}

func newSliceStream(samples []float32, format audio.Format, frameMS int, realtime bool) *sliceStream {
	frame := format.SampleRate * frameMS / 1000 * format.Channels
	if frame <= 0 {
		frame = format.Channels
	}
	st := &sliceStream{samples: samples, frame: frame, stopCh: make(chan struct{})}
	if realtime {
		st.interval = time.Duration(frameMS) * time.Millisecond
	}
	return st
}

func (s *sliceStream) Read() ([]float32, error) {
	if s.interval > 0 {
		s.mu.Lock()
		if s.next.IsZero() {
			s.next = time.Now()
		}
		wait := time.Until(s.next)
		s.next = s.next.Add(s.interval)
		s.mu.Unlock()
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.stopCh:
				timer.Stop()
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.samples) == 0 {
		return nil, io.EOF
	}
	n := s.frame
	if n > len(s.samples) {
		n = len(s.samples)
	}
	out := s.samples[:n:n]
	s.samples = s.samples[n:]
	return out, nil
}

func (s *sliceStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	return nil
}
