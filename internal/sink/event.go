package sink

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-ime/internal/protocol"
	"github.com/loqalabs/loqa-ime/internal/session"
)

// Session outcomes recorded in history.
const (
	OutcomeCommitted = "committed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeStopped   = "stopped"
)

// Event converts a session update to its wire form.
func Event(u session.Update) protocol.SessionEvent {
	evt := protocol.SessionEvent{
		SessionID: u.SessionID,
		Kind:      u.Kind.String(),
		State:     u.State.String(),
		Text:      u.Text,
		Terminal:  u.Terminal,
		Sequence:  u.Seq,
		Timestamp: u.At.UTC(),
	}
	if u.Err != nil {
		evt.Error = u.Err.Error()
	}
	return evt
}

// Outcome reports how the session ended for a terminal update. Non-terminal
// updates return empty strings.
func Outcome(u session.Update) (outcome, errorKind string) {
	if !u.Terminal {
		return "", ""
	}
	if u.Kind == session.UpdateCommit {
		return OutcomeCommitted, ""
	}
	if u.Err != nil {
		var serr *session.Error
		if errors.As(u.Err, &serr) {
			return OutcomeFailed, serr.Kind.String()
		}
		return OutcomeFailed, ""
	}
	if u.Text == session.StatusStopped {
		return OutcomeStopped, ""
	}
	return OutcomeCancelled, ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
