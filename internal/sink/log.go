package sink

import (
	"log/slog"

	"github.com/loqalabs/loqa-ime/internal/session"
)

// Log writes updates to a structured logger.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log.With(slog.String("component", "sink.log"))}
}

func (l *Log) OnStatus(u session.Update) {
	attrs := []any{slog.String("session_id", u.SessionID), slog.String("state", u.State.String()), slog.String("status", u.Text)}
	if u.Err != nil {
		l.log.Warn("session status", append(attrs, slogError(u.Err))...)
		return
	}
	l.log.Info("session status", attrs...)
}

func (l *Log) OnPartial(u session.Update) {
	l.log.Debug("partial transcript", slog.String("session_id", u.SessionID), slog.Int("seq", u.Seq), slog.String("text", u.Text))
}

func (l *Log) OnCommit(u session.Update) {
	l.log.Info("transcript committed", slog.String("session_id", u.SessionID), slog.String("text", u.Text))
}
