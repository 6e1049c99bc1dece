package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/audio"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/runtime"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/stt"
)

func newPipeline(t *testing.T) *stt.Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.MockText = "play some music"
	cfg.Model.Path = filepath.Join(t.TempDir(), "ggml-base-q8_0.bin")
	if err := os.WriteFile(cfg.Model.Path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	pipeline := runtime.BuildPipeline(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(pipeline.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pipeline.Models().Wait(ctx); err != nil {
		t.Fatalf("load model: %v", err)
	}
	return pipeline
}

func writeWAV(t *testing.T, rate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.3
		if i%2 == 1 {
			samples[i] = -0.3
		}
	}
	if err := audio.WriteWAV(f, samples, rate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestTranscribeFile(t *testing.T) {
	pipeline := newPipeline(t)
	path := writeWAV(t, audio.SampleRate)

	res := transcribeFile(context.Background(), pipeline, path)
	if res.Error != "" || res.Text != "play some music" || res.Confidence != 0.8 {
		t.Fatalf("unexpected result %+v", res)
	}

	var buf bytes.Buffer
	if err := printResult(&buf, "json", res); err != nil {
		t.Fatalf("print: %v", err)
	}
	var decoded fileResult
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if decoded != res {
		t.Fatalf("json output mismatch: %+v", decoded)
	}
}

func TestTranscribeFileRejectsWrongRate(t *testing.T) {
	pipeline := newPipeline(t)
	res := transcribeFile(context.Background(), pipeline, writeWAV(t, 44100))
	if res.Code != string(stt.CodeMalformedAudio) {
		t.Fatalf("expected MALFORMED_AUDIO, got %+v", res)
	}

	var buf bytes.Buffer
	if err := printResult(&buf, "text", res); err != nil {
		t.Fatalf("print: %v", err)
	}
	if !strings.Contains(buf.String(), "\terror\t") {
		t.Fatalf("unexpected text output %q", buf.String())
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	pipeline := newPipeline(t)
	res := transcribeFile(context.Background(), pipeline, filepath.Join(t.TempDir(), "nope.wav"))
	if res.Error == "" {
		t.Fatal("expected error for missing file")
	}
}
