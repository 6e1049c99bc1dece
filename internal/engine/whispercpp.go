//go:build whisper_cpp

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperCPP runs a ggml whisper model in process through cgo.
type WhisperCPP struct {
	cfg config.EngineConfig

	// whisper_full is not reentrant on a shared model context.
	mu    sync.Mutex
	model whisper.Model
}

func NewWhisperCPP(cfg config.EngineConfig) (Engine, error) {
	return &WhisperCPP{cfg: cfg}, nil
}

func (w *WhisperCPP) Load(_ context.Context, path string) error {
	model, err := whisper.New(path)
	if err != nil {
		return fmt.Errorf("load whisper model %q: %w", path, err)
	}
	w.mu.Lock()
	w.model = model
	w.mu.Unlock()
	return nil
}

func (w *WhisperCPP) Infer(ctx context.Context, samples []float32) (string, error) {
	res, err := w.InferScored(ctx, samples)
	return res.Text, err
}

func (w *WhisperCPP) InferScored(_ context.Context, samples []float32) (Transcript, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.model == nil {
		return Transcript{}, errors.New("whisper model not loaded")
	}
	wctx, err := w.model.NewContext()
	if err != nil {
		return Transcript{}, fmt.Errorf("create context: %w", err)
	}
	if lang := w.cfg.Language; lang != "" && w.model.IsMultilingual() {
		if err := wctx.SetLanguage(lang); err != nil {
			return Transcript{}, fmt.Errorf("set language %q: %w", lang, err)
		}
	}
	if w.cfg.Threads > 0 {
		wctx.SetThreads(uint(w.cfg.Threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Transcript{}, fmt.Errorf("process: %w", err)
	}

	var (
		parts  []string
		sumP   float64
		tokens int
	)
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Transcript{}, fmt.Errorf("next segment: %w", err)
		}
		parts = append(parts, seg.Text)
		for _, tok := range seg.Tokens {
			sumP += float64(tok.P)
			tokens++
		}
	}

	res := Transcript{Text: strings.TrimSpace(strings.Join(parts, " "))}
	if tokens > 0 {
		res.Confidence = sumP / float64(tokens)
		res.Scored = true
	}
	return res, nil
}

func (w *WhisperCPP) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return nil
	}
	err := w.model.Close()
	w.model = nil
	return err
}
