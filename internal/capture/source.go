package capture

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-ime/internal/audio"
)

// ErrDeviceUnavailable is returned by Open when the capture device cannot be
// acquired.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Source opens capture streams. One Source may be opened many times, but at
// most one Stream is expected to be live at a time.
type Source interface {
	Open(format audio.Format) (Stream, error)
	Name() string
}

// Stream delivers interleaved float samples in the format it was opened with.
//
// Read blocks until samples are available. It returns io.EOF once the stream
// has ended, either because Stop was called or because the input ran out.
// Stop releases the device before returning and unblocks a pending Read.
type Stream interface {
	Read() ([]float32, error)
	Stop() error
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
