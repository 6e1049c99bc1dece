package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
)

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ggml-base-q8_0.bin")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func tone(n int, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amp
		} else {
			out[i] = -amp
		}
	}
	return out
}

func TestMockLoadRequiresFile(t *testing.T) {
	m := NewMock("")
	if err := m.Load(context.Background(), filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Fatal("expected load error for missing model")
	}
	if err := m.Load(context.Background(), writeModel(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestMockInfer(t *testing.T) {
	m := NewMock("hello world")
	text, err := m.Infer(context.Background(), tone(1600, 0.8))
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("expected canned text, got %q", text)
	}
	text, err = m.Infer(context.Background(), make([]float32, 1600))
	if err != nil {
		t.Fatalf("infer silence: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty text for silence, got %q", text)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	eng, err := New(config.EngineConfig{Mode: "mock"})
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if _, ok := eng.(*Mock); !ok {
		t.Fatalf("expected *Mock, got %T", eng)
	}
	if _, err := New(config.EngineConfig{Mode: "tensorflow"}); err == nil {
		t.Fatal("expected unsupported mode error")
	}
	if _, err := New(config.EngineConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected empty command error")
	}
}

func TestExecEngine(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "recognize.sh")
	body := `#!/bin/sh
audio=""
model=""
while [ $# -gt 0 ]; do
  case "$1" in
    --audio) audio="$2"; shift 2 ;;
    --model) model="$2"; shift 2 ;;
    *) shift ;;
  esac
done
[ -s "$audio" ] || { echo "no audio" >&2; exit 1; }
[ -f "$model" ] || { echo "no model" >&2; exit 1; }
echo '{"text":" turn on the lights ","confidence":0.91}'
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	eng, err := NewExec(config.EngineConfig{Mode: "exec", Command: sh + " " + script, Language: "en", Threads: 2})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if err := eng.Load(context.Background(), writeModel(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := eng.InferScored(context.Background(), tone(1600, 0.5))
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if res.Text != "turn on the lights" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if !res.Scored || res.Confidence != 0.91 {
		t.Fatalf("expected scored 0.91, got %+v", res)
	}
}

func TestExecEngineFailure(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "fail.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	eng, err := NewExec(config.EngineConfig{Mode: "exec", Command: sh + " " + script})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if err := eng.Load(context.Background(), writeModel(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := eng.Infer(context.Background(), tone(160, 0.5)); err == nil {
		t.Fatal("expected command failure")
	}
}

func TestExecEngineIgnoresOutOfRangeConfidence(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	for _, score := range []string{"1.7", "-0.2", "0"} {
		script := filepath.Join(t.TempDir(), "recognize.sh")
		body := "#!/bin/sh\necho '{\"text\":\"lights\",\"confidence\":" + score + "}'\n"
		if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
			t.Fatalf("write script: %v", err)
		}
		eng, err := NewExec(config.EngineConfig{Mode: "exec", Command: sh + " " + script})
		if err != nil {
			t.Fatalf("new exec: %v", err)
		}
		if err := eng.Load(context.Background(), writeModel(t)); err != nil {
			t.Fatalf("load: %v", err)
		}
		res, err := eng.InferScored(context.Background(), tone(160, 0.5))
		if err != nil {
			t.Fatalf("infer: %v", err)
		}
		if res.Text != "lights" || res.Scored || res.Confidence != 0 {
			t.Fatalf("confidence %s: expected unscored transcript, got %+v", score, res)
		}
	}
}

func TestStubBackendsUnavailable(t *testing.T) {
	if _, err := NewWhisperCPP(config.EngineConfig{}); err != nil && !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewVosk(config.EngineConfig{}); err != nil && !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unexpected error: %v", err)
	}
}
