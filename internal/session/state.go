package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a dictation session.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateListening
	StateTranscribing
	StateCommitting
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateCommitting:
		return "committing"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrorKind classifies session failures.
type ErrorKind int

const (
	KindDeviceUnavailable ErrorKind = iota + 1
	KindEngineInitFailed
	KindEngineError
	KindSessionFatal
)

var (
	ErrDeviceUnavailable = errors.New("DeviceUnavailable")
	ErrEngineInitFailed  = errors.New("EngineInitFailed")
	ErrEngineError       = errors.New("EngineError")
	ErrSessionFatal      = errors.New("SessionFatal")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("coordinator closed")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindDeviceUnavailable:
		return ErrDeviceUnavailable
	case KindEngineInitFailed:
		return ErrEngineInitFailed
	case KindEngineError:
		return ErrEngineError
	case KindSessionFatal:
		return ErrSessionFatal
	}
	return nil
}

func (k ErrorKind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified session failure. errors.Is matches it against the
// sentinel of its Kind as well as anything in the wrapped chain.
type Error struct {
	Kind      ErrorKind
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session %s: %s", e.SessionID, e.Kind)
	}
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// StatusText is the text shown to the user for a failure of kind k.
func StatusText(k ErrorKind) string {
	return "Error: " + k.String()
}

const (
	StatusInitializing = "Loading model..."
	StatusListening    = "Listening..."
	StatusTranscribing = "Transcribing..."
	StatusCancelled    = "Cancelled"
	StatusStopped      = "Stopped"
)
