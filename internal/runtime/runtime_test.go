package runtime

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Fatalf("unexpected text output %q", out)
	}

	buf.Reset()
	logger = NewLogger(config.TelemetryConfig{LogLevel: "bogus", LogFormat: "json"}, &buf)
	logger.Debug("quiet")
	logger.Info("loud")
	out = buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, `"msg":"loud"`) {
		t.Fatalf("unexpected json output %q", out)
	}
}

func TestBuildModel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ready := BuildModel(testConfig(t, true), testLogger())
	if err := ready.Wait(ctx); err != nil {
		t.Fatalf("expected model to load: %v", err)
	}

	missing := BuildModel(testConfig(t, false), testLogger())
	if missing.State() != model.Failed {
		t.Fatalf("expected failed state for missing model, got %s", missing.State())
	}
	if err := missing.Wait(ctx); err == nil {
		t.Fatal("expected load error for missing model")
	}

	cfg := testConfig(t, true)
	cfg.Engine.Mode = "quantum"
	bad := BuildModel(cfg, testLogger())
	if bad.State() != model.Failed {
		t.Fatalf("expected failed state for unknown engine, got %s", bad.State())
	}
}

func TestGRPCHealthTracksModel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	models := BuildModel(testConfig(t, true), testLogger())
	if err := models.Wait(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	srv, err := newGRPCServer(config.GRPCConfig{Bind: "127.0.0.1", Port: 0}, models, testLogger())
	if err != nil {
		t.Fatalf("new grpc server: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected process SERVING, got %s", got)
	}
	if got := check(HealthService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected model SERVING, got %s", got)
	}

	models.Release()
	if got := check(HealthService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after release, got %s", got)
	}
}

func TestRuntimeStartsAndStops(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.HTTP.Port = 0
	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 0
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.STT.Enabled = true
	cfg.EventStore.RetentionMode = "ephemeral"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	rt := New(cfg, testLogger())
	go func() { done <- rt.Start(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
