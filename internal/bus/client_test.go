package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/natsserver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T) *Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}
	srv, err := natsserver.Start(cfg, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectWithoutServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, testLogger()); !errors.Is(err, ErrNoServers) {
		t.Fatalf("expected ErrNoServers, got %v", err)
	}
}

func TestDialTimeout(t *testing.T) {
	if got := dialTimeout(context.Background(), config.BusConfig{}); got != defaultConnectTimeout {
		t.Fatalf("expected default timeout, got %s", got)
	}
	if got := dialTimeout(context.Background(), config.BusConfig{ConnectTimeout: 750}); got != 750*time.Millisecond {
		t.Fatalf("expected configured timeout, got %s", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if got := dialTimeout(ctx, config.BusConfig{ConnectTimeout: 5000}); got > 100*time.Millisecond {
		t.Fatalf("deadline should cap timeout, got %s", got)
	}
}

func TestEnsureStreamIdempotent(t *testing.T) {
	client := connect(t)
	if !client.Healthy() {
		t.Fatal("client should be healthy")
	}
	for i := 0; i < 2; i++ {
		if err := client.EnsureStream("STT_TEST", []string{"stt.test.final"}, time.Hour); err != nil {
			t.Fatalf("ensure stream (attempt %d): %v", i+1, err)
		}
	}
	info, err := client.js.StreamInfo("STT_TEST")
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.Config.MaxAge != time.Hour || len(info.Config.Subjects) != 1 {
		t.Fatalf("unexpected stream config %+v", info.Config)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	c.Close()
	if c.Healthy() {
		t.Fatal("nil client must not be healthy")
	}
}
