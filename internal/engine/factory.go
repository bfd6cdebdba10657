package engine

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-ime/internal/config"
)

// New builds the Loader selected by cfg.Mode.
func New(cfg config.EngineConfig, sampleRate int, log *slog.Logger) (Loader, error) {
	log = log.With(slog.String("component", "engine"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "mock", "":
		return NewMockLoader(sampleRate), nil
	case "exec":
		return NewExecLoader(cfg, sampleRate, log)
	case "whisper":
		return NewWhisperLoader(cfg, sampleRate, log)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
