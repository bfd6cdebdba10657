package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-ime/internal/bus"
	"github.com/loqalabs/loqa-ime/internal/config"
)

// New builds the Source selected by cfg.Mode, wrapped in a Recorder when
// cfg.RecordDir is set.
func New(cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) (Source, error) {
	log = log.With(slog.String("component", "capture"))
	var (
		src Source
		err error
	)
	switch cfg.Mode {
	case "wav":
		src = NewWAVSource(cfg.File, cfg.FrameMS, cfg.Realtime)
	case "exec":
		var es *ExecSource
		es, err = NewExecSource(cfg.Command, cfg.FrameMS, log)
		if err == nil && cfg.StartTimeoutMS > 0 {
			es.startTimeout = time.Duration(cfg.StartTimeoutMS) * time.Millisecond
		}
		src = es
	case "bus":
		if busClient == nil {
			return nil, errors.New("capture mode bus requires a bus connection")
		}
		src = NewBusSource(busClient, cfg.Stream)
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RecordDir != "" {
		return NewRecorder(src, cfg.RecordDir, log)
	}
	return src, nil
}
