package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-ime/internal/audio"
)

var (
	// ErrInitFailed wraps every failure to load or initialise a backend.
	ErrInitFailed = errors.New("engine init failed")
	// ErrClosed is returned by a Transcriber used after Close.
	ErrClosed = errors.New("transcriber closed")
)

// Output is the engine's hypothesis after a Feed or Flush.
type Output struct {
	// Text is the running transcript of the session so far.
	Text string
	// Final marks the hypothesis as settled; no further audio is expected.
	Final bool
	// EndOfUtterance is raised by backends with endpoint detection.
	EndOfUtterance bool
}

// Transcriber is a stateful streaming recognizer bound to one session.
// Implementations need not be safe for concurrent use; a session drives its
// Transcriber from a single goroutine.
type Transcriber interface {
	// Feed decodes one fixed-size chunk and returns the updated hypothesis.
	Feed(ctx context.Context, chunk audio.Chunk) (Output, error)
	// Flush runs the final decode over everything fed so far.
	Flush(ctx context.Context) (Output, error)
	// Reset drops all decoder state.
	Reset() error
	// Close releases the underlying engine resources.
	Close() error
}

// Loader creates a fresh Transcriber for each session.
type Loader interface {
	Load(ctx context.Context) (Transcriber, error)
	Name() string
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
