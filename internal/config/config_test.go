package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.File != "ggml-base-q8_0.bin" {
		t.Fatalf("expected default model file, got %q", cfg.Model.File)
	}
	if cfg.STT.SampleRate != 16000 || cfg.STT.Channels != 1 {
		t.Fatalf("unexpected audio format %d/%d", cfg.STT.SampleRate, cfg.STT.Channels)
	}
	if cfg.STT.Confidence != 0.8 {
		t.Fatalf("expected fixed confidence 0.8, got %v", cfg.STT.Confidence)
	}
	if cfg.Engine.Mode != "mock" {
		t.Fatalf("expected mock engine by default, got %q", cfg.Engine.Mode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whisperd.yaml")
	data := `
runtime_name: edge-stt
model:
  file: ggml-small.bin
  directory: /opt/models
  fallback_dirs:
    - /srv/models
engine:
  mode: exec
  command: "whisper-cli --no-timestamps"
  threads: 4
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "edge-stt" {
		t.Fatalf("expected runtime name override, got %q", cfg.RuntimeName)
	}
	if cfg.Model.File != "ggml-small.bin" || cfg.Model.Directory != "/opt/models" {
		t.Fatalf("unexpected model config %+v", cfg.Model)
	}
	if len(cfg.Model.FallbackDirs) != 1 || cfg.Model.FallbackDirs[0] != "/srv/models" {
		t.Fatalf("expected fallback dirs from file, got %v", cfg.Model.FallbackDirs)
	}
	if cfg.Engine.Threads != 4 {
		t.Fatalf("expected 4 threads, got %d", cfg.Engine.Threads)
	}
	// untouched sections keep their defaults
	if cfg.STT.Confidence != 0.8 {
		t.Fatalf("expected default confidence, got %v", cfg.STT.Confidence)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WHISPERD_BUS_ENABLED", "true")
	t.Setenv("WHISPERD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("WHISPERD_BUS_USERNAME", "alice")
	t.Setenv("WHISPERD_BUS_PASSWORD", "secret")
	t.Setenv("WHISPERD_NODE_ID", "test-node")
	t.Setenv("WHISPERD_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("WHISPERD_EVENT_STORE_MAX_RECORDS", "123")
	t.Setenv("WHISPERD_MODEL_FALLBACK_DIRS", "/a, /b")
	t.Setenv("WHISPERD_ENGINE_MODE", "whispercpp")
	t.Setenv("WHISPERD_STT_ENABLED", "true")
	t.Setenv("WHISPERD_STT_CONFIDENCE", "0.5")
	t.Setenv("WHISPERD_STT_SESSION_IDLE_MS", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxRecords != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if len(cfg.Model.FallbackDirs) != 2 || cfg.Model.FallbackDirs[1] != "/b" {
		t.Fatalf("expected fallback dir override, got %v", cfg.Model.FallbackDirs)
	}
	if cfg.Engine.Mode != "whispercpp" {
		t.Fatalf("expected engine mode override")
	}
	if !cfg.STT.Enabled || cfg.STT.Confidence != 0.5 || cfg.STT.SessionIdleMS != 1500 {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
}

func TestValidateRejectsAudioFormat(t *testing.T) {
	t.Setenv("WHISPERD_STT_SAMPLE_RATE", "44100")
	if _, err := Load(""); err == nil {
		t.Fatal("expected sample rate validation error")
	}
}

func TestValidateRejectsNegativeSessionIdle(t *testing.T) {
	t.Setenv("WHISPERD_STT_SESSION_IDLE_MS", "-1")
	if _, err := Load(""); err == nil {
		t.Fatal("expected session idle validation error")
	}
}

func TestValidateExecRequiresCommand(t *testing.T) {
	t.Setenv("WHISPERD_ENGINE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected engine.command validation error")
	}
}

func TestValidateSTTRequiresBus(t *testing.T) {
	t.Setenv("WHISPERD_STT_ENABLED", "true")
	if _, err := Load(""); err == nil {
		t.Fatal("expected stt to require the bus")
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("WHISPERD_NODE_ID", "placeholder")
	os.Unsetenv("WHISPERD_NODE_ID")
	t.Setenv("WHISPERD_ENGINE_MODE", "mock")

	path := filepath.Join(t.TempDir(), ".env")
	content := "WHISPERD_NODE_ID=from-dotenv\nWHISPERD_ENGINE_MODE=exec\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ID != "from-dotenv" {
		t.Fatalf("expected node id from .env, got %q", cfg.Node.ID)
	}
	if cfg.Engine.Mode != "mock" {
		t.Fatalf("existing environment must win over .env, got %q", cfg.Engine.Mode)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
