package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ime/internal/bus"
	"github.com/loqalabs/loqa-ime/internal/config"
	"github.com/loqalabs/loqa-ime/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
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
	return client
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryTracksLocalAndPeerNodes(t *testing.T) {
	client := connect(t)
	cfg := config.NodeConfig{ID: "desk", HeartbeatIntervalMS: 20, HeartbeatTimeoutMS: 200}
	local := []Capability{{Name: "dictation", Attributes: map[string]string{"engine": "mock"}}}
	reg, err := NewRegistry(context.Background(), cfg, client, local, func() string { return "idle" }, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("expected local node to be healthy after announce")
	}

	peer, _ := json.Marshal(announceMessage{
		NodeID:       "laptop",
		Capabilities: []Capability{{Name: "dictation", Attributes: map[string]string{"engine": "whisper"}}},
	})
	if err := client.Conn().Publish(SubjectAnnounce, peer); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return len(reg.Query(nil)) == 2 }, "peer announce")

	whisper := reg.Query(WithAttribute("engine", "whisper"))
	if len(whisper) != 1 || whisper[0].ID != "laptop" {
		t.Fatalf("unexpected filter result %+v", whisper)
	}
	if n := len(reg.Query(WithCapabilityFilter("dictation"))); n != 2 {
		t.Fatalf("expected 2 dictation nodes, got %d", n)
	}

	// The peer never heartbeats, so it goes stale while the local node stays fresh.
	waitFor(t, func() bool {
		for _, n := range reg.Query(nil) {
			if n.ID == "laptop" && !n.Healthy {
				return true
			}
		}
		return false
	}, "peer to go stale")
	if !reg.Healthy() {
		t.Fatal("local node should stay healthy while heartbeating")
	}
	for _, n := range reg.Query(nil) {
		if n.ID == "desk" && n.State != "idle" {
			t.Fatalf("expected heartbeat state, got %q", n.State)
		}
	}
}

func TestRegistryIgnoresMalformedMessages(t *testing.T) {
	client := connect(t)
	cfg := config.NodeConfig{ID: "desk", HeartbeatIntervalMS: 1000, HeartbeatTimeoutMS: 3000}
	reg, err := NewRegistry(context.Background(), cfg, client, nil, nil, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	_ = client.Conn().Publish(SubjectAnnounce, []byte("not json"))
	_ = client.Conn().Publish(SubjectHeartbeatPrefix+".x", []byte(`{"state":"idle"}`))
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(reg.Query(nil)); n != 1 {
		t.Fatalf("expected only the local node, got %d", n)
	}
}
