package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-ime/internal/audio"
)

// Recorder wraps a Source and archives everything each stream captures as a
// WAV file in dir.
type Recorder struct {
	src   Source
	dir   string
	log   *slog.Logger
	clock func() time.Time
}

func NewRecorder(src Source, dir string, log *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{src: src, dir: dir, log: log, clock: time.Now}, nil
}

func (r *Recorder) Name() string {
	return r.src.Name()
}

func (r *Recorder) Open(format audio.Format) (Stream, error) {
	stream, err := r.src.Open(format)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(r.dir, r.clock().UTC().Format("20060102T150405.000")+".wav")
	w, err := audio.CreateWAV(path, format)
	if err != nil {
		// Recording is best effort; capture continues without it.
		r.log.Warn("session recording disabled", slog.String("path", path), slogError(err))
		return stream, nil
	}
	return &recordingStream{Stream: stream, w: w, path: path, log: r.log}, nil
}

type recordingStream struct {
	Stream
	w    *audio.WAVWriter
	path string
	log  *slog.Logger
}

func (s *recordingStream) Read() ([]float32, error) {
	samples, err := s.Stream.Read()
	if len(samples) > 0 {
		if werr := s.w.Write(samples); werr != nil && !errors.Is(werr, audio.ErrWriterClosed) {
			s.log.Warn("session recording write failed", slog.String("path", s.path), slogError(werr))
		}
	}
	return samples, err
}

func (s *recordingStream) Stop() error {
	err := s.Stream.Stop()
	if cerr := s.w.Close(); cerr != nil {
		s.log.Warn("session recording close failed", slog.String("path", s.path), slogError(cerr))
	} else {
		s.log.Info("session audio recorded", slog.String("path", s.path), slog.Int("frames", s.w.Frames()))
	}
	return err
}
