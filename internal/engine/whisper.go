//go:build whispercpp

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-ime/internal/audio"
	"github.com/loqalabs/loqa-ime/internal/config"
)

// maxWindowSeconds bounds how much audio one partial decode revisits.
const maxWindowSeconds = 30

// WhisperAvailable reports whether the binary was built with whisper.cpp.
func WhisperAvailable() bool { return true }

type whisperLoader struct {
	cfg        config.EngineConfig
	sampleRate int
	log        *slog.Logger

	mu    sync.Mutex
	model whisper.Model
}

func NewWhisperLoader(cfg config.EngineConfig, sampleRate int, log *slog.Logger) (Loader, error) {
	if len(cfg.ModelPaths) == 0 {
		return nil, errors.New("whisper engine requires a model path")
	}
	if sampleRate != whisper.SampleRate {
		return nil, fmt.Errorf("whisper engine requires %d Hz audio, session uses %d Hz", whisper.SampleRate, sampleRate)
	}
	return &whisperLoader{cfg: cfg, sampleRate: sampleRate, log: log}, nil
}

func (l *whisperLoader) Name() string { return "whisper" }

// Load shares one model across sessions; only decoder state is per session.
func (l *whisperLoader) Load(ctx context.Context) (Transcriber, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	if l.model == nil {
		model, err := whisper.New(l.cfg.ModelPaths[0])
		if err != nil {
			return nil, fmt.Errorf("%w: load model %q: %v", ErrInitFailed, l.cfg.ModelPaths[0], err)
		}
		l.model = model
		l.log.Info("whisper model loaded", slog.String("path", l.cfg.ModelPaths[0]), slog.Bool("multilingual", model.IsMultilingual()))
	}
	return &whisperTranscriber{loader: l, model: l.model}, nil
}

func (l *whisperLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model == nil {
		return nil
	}
	err := l.model.Close()
	l.model = nil
	return err
}

type whisperTranscriber struct {
	loader  *whisperLoader
	model   whisper.Model
	samples []float32
	closed  bool
}

func (t *whisperTranscriber) Feed(ctx context.Context, chunk audio.Chunk) (Output, error) {
	if t.closed {
		return Output{}, ErrClosed
	}
	t.samples = append(t.samples, chunk.Samples[:chunk.Real()]...)
	window := t.samples
	if limit := maxWindowSeconds * t.loader.sampleRate; len(window) > limit {
		window = window[len(window)-limit:]
	}
	text, err := t.decode(ctx, window)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: text}, nil
}

func (t *whisperTranscriber) Flush(ctx context.Context) (Output, error) {
	if t.closed {
		return Output{}, ErrClosed
	}
	text, err := t.decode(ctx, t.samples)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: text, Final: true}, nil
}

func (t *whisperTranscriber) decode(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if lang := t.loader.cfg.Language; lang != "" && t.model.IsMultilingual() {
		if err := wctx.SetLanguage(lang); err != nil {
			return "", fmt.Errorf("set language %q: %w", lang, err)
		}
	}
	if t.loader.cfg.Threads > 0 {
		wctx.SetThreads(uint(t.loader.cfg.Threads))
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}
	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper next segment: %w", err)
		}
		segments = append(segments, strings.TrimSpace(seg.Text))
	}
	return strings.TrimSpace(strings.Join(segments, " ")), nil
}

func (t *whisperTranscriber) Reset() error {
	t.samples = t.samples[:0]
	return nil
}

func (t *whisperTranscriber) Close() error {
	t.closed = true
	t.samples = nil
	return nil
}
