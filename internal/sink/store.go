package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-ime/internal/eventstore"
	"github.com/loqalabs/loqa-ime/internal/session"
)

const storeTimeout = 2 * time.Second

// Store records sessions and their callbacks in the event store.
type Store struct {
	store  *eventstore.Store
	source string
	engine string
	log    *slog.Logger
}

func NewStore(store *eventstore.Store, source, engine string, log *slog.Logger) *Store {
	return &Store{store: store, source: source, engine: engine, log: log.With(slog.String("component", "sink.store"))}
}

func (s *Store) OnStatus(u session.Update)  { s.record(u) }
func (s *Store) OnPartial(u session.Update) { s.record(u) }
func (s *Store) OnCommit(u session.Update)  { s.record(u) }

func (s *Store) record(u session.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if u.Seq == 1 {
		err := s.store.AppendSession(ctx, eventstore.Session{ID: u.SessionID, Source: s.source, Engine: s.engine, CreatedAt: u.At})
		if err != nil {
			s.log.Warn("failed to record session", slog.String("session_id", u.SessionID), slogError(err))
			return
		}
	}
	evt := eventstore.Event{
		SessionID: u.SessionID,
		Seq:       u.Seq,
		Type:      u.Kind.String(),
		State:     u.State.String(),
		Text:      u.Text,
		CreatedAt: u.At,
	}
	if u.Err != nil {
		evt.Error = u.Err.Error()
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("failed to record session event", slog.String("session_id", u.SessionID), slogError(err))
		return
	}

	outcome, errorKind := Outcome(u)
	if outcome == "" {
		return
	}
	finalText := ""
	if outcome == OutcomeCommitted {
		finalText = u.Text
	}
	if err := s.store.CompleteSession(ctx, u.SessionID, outcome, finalText, errorKind); err != nil {
		s.log.Warn("failed to complete session", slog.String("session_id", u.SessionID), slogError(err))
	}
}
