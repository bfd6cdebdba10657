package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ime/internal/bus"
	"github.com/loqalabs/loqa-ime/internal/config"
	"github.com/loqalabs/loqa-ime/internal/natsserver"
	"github.com/loqalabs/loqa-ime/internal/protocol"
	"github.com/loqalabs/loqa-ime/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeController struct {
	mu       sync.Mutex
	state    session.State
	id       string
	startErr error
	stops    int
	live     bool
}

func (f *fakeController) Start(context.Context) (session.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return session.Handle{}, f.startErr
	}
	f.id = "session-1"
	f.state = session.StateListening
	f.live = false
	return session.Handle{ID: f.id}, nil
}

func (f *fakeController) StartLive(context.Context) (session.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = "live-1"
	f.state = session.StateListening
	f.live = true
	return session.Handle{ID: f.id, Live: true}, nil
}

func (f *fakeController) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.state != session.StateListening {
		return false
	}
	f.state = session.StateTranscribing
	return true
}

func (f *fakeController) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == session.StateIdle {
		return false
	}
	f.state = session.StateIdle
	f.id = ""
	return true
}

func (f *fakeController) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Snapshot{SessionID: f.id, State: f.state, Live: f.live}
}

func startService(t *testing.T, ctrl Controller) *bus.Client {
	t.Helper()
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

	svc := NewService(client, ctrl, time.Second)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	return client
}

func request(t *testing.T, client *bus.Client, subject string, body []byte) protocol.ControlReply {
	t.Helper()
	msg, err := client.Conn().Request(subject, body, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestControlLifecycle(t *testing.T) {
	ctrl := &fakeController{}
	client := startService(t, ctrl)

	reply := request(t, client, protocol.SubjectControlState, nil)
	if !reply.OK || reply.State != "idle" {
		t.Fatalf("unexpected idle state reply %+v", reply)
	}

	body, _ := json.Marshal(protocol.ControlRequest{RequestID: "r1"})
	reply = request(t, client, protocol.SubjectControlStart, body)
	if !reply.OK || reply.SessionID != "session-1" || reply.RequestID != "r1" || reply.State != "listening" {
		t.Fatalf("unexpected start reply %+v", reply)
	}

	reply = request(t, client, protocol.SubjectControlStop, nil)
	if !reply.OK || reply.State != "transcribing" {
		t.Fatalf("unexpected stop reply %+v", reply)
	}
	reply = request(t, client, protocol.SubjectControlStop, nil)
	if reply.OK {
		t.Fatalf("second stop should be a no-op, got %+v", reply)
	}

	reply = request(t, client, protocol.SubjectControlCancel, nil)
	if !reply.OK || reply.State != "idle" {
		t.Fatalf("unexpected cancel reply %+v", reply)
	}
}

func TestControlStartFailure(t *testing.T) {
	ctrl := &fakeController{startErr: &session.Error{Kind: session.KindDeviceUnavailable, SessionID: "x", Err: errors.New("no mic")}}
	client := startService(t, ctrl)

	reply := request(t, client, protocol.SubjectControlStart, nil)
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected failed start, got %+v", reply)
	}
}

func TestControlRejectsMalformedRequest(t *testing.T) {
	ctrl := &fakeController{}
	client := startService(t, ctrl)

	reply := request(t, client, protocol.SubjectControlStop, []byte("{not json"))
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected error reply, got %+v", reply)
	}
	if ctrl.stops != 0 {
		t.Fatal("malformed request must not reach the coordinator")
	}
}

func TestControlStartLive(t *testing.T) {
	ctrl := &fakeController{}
	client := startService(t, ctrl)

	body, _ := json.Marshal(protocol.ControlRequest{Mode: protocol.ModeLive})
	reply := request(t, client, protocol.SubjectControlStart, body)
	if !reply.OK || reply.SessionID != "live-1" || reply.Mode != protocol.ModeLive {
		t.Fatalf("unexpected live start reply %+v", reply)
	}

	body, _ = json.Marshal(protocol.ControlRequest{Mode: "karaoke"})
	reply = request(t, client, protocol.SubjectControlStart, body)
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected unknown mode to be rejected, got %+v", reply)
	}
	if reply.SessionID != "live-1" {
		t.Fatalf("rejected start must leave the live session alone, got %+v", reply)
	}
}
