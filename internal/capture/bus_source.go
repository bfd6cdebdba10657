package capture

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-ime/internal/audio"
	"github.com/loqalabs/loqa-ime/internal/bus"
	"github.com/loqalabs/loqa-ime/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource consumes PCM frames published on the bus by a remote microphone
// or loopback capture agent.
type BusSource struct {
	bus    *bus.Client
	stream string
	log    *slog.Logger
}

func NewBusSource(client *bus.Client, stream string) *BusSource {
	return &BusSource{bus: client, stream: stream, log: client.Logger().With(slog.String("component", "capture.bus"))}
}

func (s *BusSource) Name() string {
	return "bus:" + s.stream
}

func (s *BusSource) Open(format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if !s.bus.Healthy() {
		return nil, fmt.Errorf("%w: bus not connected", ErrDeviceUnavailable)
	}
	st := &busStream{
		format: format,
		frames: make(chan []float32, 64),
		stopCh: make(chan struct{}),
		log:    s.log,
	}
	sub, err := s.bus.Conn().Subscribe(protocol.AudioFrameSubject(s.stream), st.handleFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe audio frames: %v", ErrDeviceUnavailable, err)
	}
	st.sub = sub
	return st, nil
}

type busStream struct {
	format audio.Format
	sub    *nats.Subscription
	frames chan []float32
	stopCh chan struct{}
	log    *slog.Logger

	mu      sync.Mutex
	ended   bool
	stopped bool
}

func (s *busStream) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if frame.Final {
		s.ended = true
	}
	s.mu.Unlock()

	if len(frame.PCM) > 0 {
		samples, err := audio.S16LEToFloat32(frame.PCM)
		if err != nil {
			s.log.Warn("dropping malformed audio frame", slog.Int("sequence", frame.Sequence), slogError(err))
		} else {
			from := audio.Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
			if from.Validate() != nil {
				from = s.format
			}
			s.push(convert(samples, from, s.format))
		}
	}
	if frame.Final {
		// A nil frame marks the end of the stream.
		s.push(nil)
	}
}

func (s *busStream) push(samples []float32) {
	select {
	case s.frames <- samples:
	case <-s.stopCh:
	}
}

func (s *busStream) Read() ([]float32, error) {
	select {
	case samples := <-s.frames:
		if samples == nil {
			return nil, io.EOF
		}
		return samples, nil
	case <-s.stopCh:
		return nil, io.EOF
	}
}

func (s *busStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.ended = true
	close(s.stopCh)
	s.mu.Unlock()
	return s.sub.Unsubscribe()
}
