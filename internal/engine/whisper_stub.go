//go:build !whispercpp

package engine

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-ime/internal/config"
)

var errWhisperUnavailable = errors.New("binary built without whisper.cpp support (rebuild with -tags whispercpp)")

// WhisperAvailable reports whether the binary was built with whisper.cpp.
func WhisperAvailable() bool { return false }

func NewWhisperLoader(config.EngineConfig, int, *slog.Logger) (Loader, error) {
	return nil, errWhisperUnavailable
}
