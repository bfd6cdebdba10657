package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-ime/internal/bus"
	"github.com/loqalabs/loqa-ime/internal/config"
	"github.com/loqalabs/loqa-ime/internal/eventstore"
	"github.com/loqalabs/loqa-ime/internal/natsserver"
	"github.com/loqalabs/loqa-ime/internal/protocol"
	"github.com/loqalabs/loqa-ime/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var at = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func sessionUpdates(id string) []session.Update {
	return []session.Update{
		{SessionID: id, Kind: session.UpdateStatus, State: session.StateInitializing, Text: session.StatusInitializing, Seq: 1, At: at},
		{SessionID: id, Kind: session.UpdateStatus, State: session.StateListening, Text: session.StatusListening, Seq: 2, At: at},
		{SessionID: id, Kind: session.UpdatePartial, State: session.StateListening, Text: "hello", Seq: 3, At: at},
		{SessionID: id, Kind: session.UpdateCommit, State: session.StateCommitting, Text: "hello world", Terminal: true, Seq: 4, At: at},
	}
}

func deliverAll(s session.Sink, updates []session.Update) {
	for _, u := range updates {
		switch u.Kind {
		case session.UpdateStatus:
			s.OnStatus(u)
		case session.UpdatePartial:
			s.OnPartial(u)
		case session.UpdateCommit:
			s.OnCommit(u)
		}
	}
}

func TestEventConversion(t *testing.T) {
	u := session.Update{
		SessionID: "s1",
		Kind:      session.UpdateStatus,
		State:     session.StateError,
		Text:      session.StatusText(session.KindSessionFatal),
		Terminal:  true,
		Err:       &session.Error{Kind: session.KindSessionFatal, SessionID: "s1"},
		Seq:       5,
		At:        at,
	}
	evt := Event(u)
	if evt.Kind != protocol.EventKindStatus || evt.State != "error" || !evt.Terminal || evt.Sequence != 5 {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Error == "" {
		t.Fatal("expected error text")
	}
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		name    string
		u       session.Update
		outcome string
		kind    string
	}{
		{"partial", session.Update{Kind: session.UpdatePartial}, "", ""},
		{"commit", session.Update{Kind: session.UpdateCommit, Terminal: true}, OutcomeCommitted, ""},
		{"cancel", session.Update{Kind: session.UpdateStatus, Terminal: true, Text: session.StatusCancelled}, OutcomeCancelled, ""},
		{"live stop", session.Update{Kind: session.UpdateStatus, Terminal: true, Text: session.StatusStopped}, OutcomeStopped, ""},
		{"device", session.Update{Kind: session.UpdateStatus, Terminal: true, Err: &session.Error{Kind: session.KindDeviceUnavailable}}, OutcomeFailed, "DeviceUnavailable"},
		{"unclassified", session.Update{Kind: session.UpdateStatus, Terminal: true, Err: errors.New("boom")}, OutcomeFailed, ""},
	}
	for _, tc := range cases {
		outcome, kind := Outcome(tc.u)
		if outcome != tc.outcome || kind != tc.kind {
			t.Fatalf("%s: got (%q, %q)", tc.name, outcome, kind)
		}
	}
}

func TestStoreRecordsSessionHistory(t *testing.T) {
	ctx := context.Background()
	es, err := eventstore.Open(ctx, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "h.db"), RetentionMode: "session"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	deliverAll(NewStore(es, "wav", "mock", newLogger()), sessionUpdates("s1"))

	sess, err := es.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Outcome != OutcomeCommitted || sess.FinalText != "hello world" || sess.Source != "wav" {
		t.Fatalf("unexpected session %+v", sess)
	}
	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 || events[3].Type != "commit" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestStoreRecordsFailureKind(t *testing.T) {
	ctx := context.Background()
	es, err := eventstore.Open(ctx, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "h.db"), RetentionMode: "session"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	s := NewStore(es, "exec", "exec", newLogger())
	s.OnStatus(session.Update{SessionID: "s2", Kind: session.UpdateStatus, State: session.StateInitializing, Seq: 1, At: at})
	s.OnStatus(session.Update{
		SessionID: "s2", Kind: session.UpdateStatus, State: session.StateError,
		Text: session.StatusText(session.KindEngineInitFailed), Terminal: true, Seq: 2, At: at,
		Err: &session.Error{Kind: session.KindEngineInitFailed, SessionID: "s2"},
	})
	sess, err := es.GetSession(ctx, "s2")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Outcome != OutcomeFailed || sess.ErrorKind != "EngineInitFailed" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestLogSinkWritesCommit(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	deliverAll(l, sessionUpdates("s1"))
	out := buf.String()
	if !strings.Contains(out, "transcript committed") || !strings.Contains(out, "hello world") {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestHubBroadcastsToClients(t *testing.T) {
	hub := NewHub(newLogger())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	deliverAll(hub, sessionUpdates("s1"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []protocol.SessionEvent
	for len(got) < 4 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var evt protocol.SessionEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, evt)
	}
	if got[2].Text != "hello" || got[3].Kind != protocol.EventKindCommit || !got[3].Terminal {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(newLogger())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close")
	}
	if hub.Clients() != 0 {
		t.Fatal("expected no clients after close")
	}
}

func TestBusPublishesSessionSubjects(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	sub, err := client.Conn().SubscribeSync("ime.session.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deliverAll(NewBus(client), sessionUpdates("s1"))

	wantSubjects := []string{
		protocol.SubjectSessionStatus,
		protocol.SubjectSessionStatus,
		protocol.SubjectSessionPartial,
		protocol.SubjectSessionCommit,
	}
	for i, want := range wantSubjects {
		msg, err := sub.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if msg.Subject != want {
			t.Fatalf("message %d: expected subject %s, got %s", i, want, msg.Subject)
		}
		var evt protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if evt.Sequence != i+1 {
			t.Fatalf("message %d: unexpected sequence %d", i, evt.Sequence)
		}
	}
}
