package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/bus"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/natsserver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T) (*Registry, *bus.Client) {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()

	srv, err := natsserver.Start(cfg.Bus, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Bus.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg.Bus, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	reg, err := NewRegistry(context.Background(), cfg.Node, client,
		map[string]string{"model": "ggml-base-q8_0.bin", "engine": "mock"}, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg, client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryAnnouncesLocalCapability(t *testing.T) {
	reg, _ := newRegistry(t)
	if !reg.Healthy() {
		t.Fatal("local node should be healthy after announce")
	}
	nodes := reg.Query(WithCapabilityFilter(CapabilityTranscribe))
	if len(nodes) != 1 {
		t.Fatalf("expected local node, got %+v", nodes)
	}
	attrs := nodes[0].Capabilities[0].Attributes
	if attrs["model"] != "ggml-base-q8_0.bin" || attrs["engine"] != "mock" {
		t.Fatalf("expected model attributes, got %v", attrs)
	}
	if len(reg.Query(ReadyTranscribers())) != 0 {
		t.Fatal("node must not be ready before the model loads")
	}

	reg.SetModelState("ready")
	if len(reg.Query(ReadyTranscribers())) != 1 {
		t.Fatal("expected node to be a ready transcriber")
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	reg, client := newRegistry(t)

	payload, _ := json.Marshal(announceMessage{
		NodeID:       "peer-1",
		Role:         "stt",
		Capabilities: []Capability{{Name: CapabilityTranscribe, Tier: "local"}},
		ModelState:   "ready",
		Timestamp:    time.Now().UTC(),
	})
	if err := client.Conn().Publish(SubjectAnnounce, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return len(reg.Query(ReadyTranscribers())) == 1 })

	reg.evaluateHealth(time.Now().Add(time.Hour))
	if len(reg.Query(ReadyTranscribers())) != 0 {
		t.Fatal("stale peers must not count as ready")
	}
}
